// Package reachability implements C7: the IPv4/IPv6 reachability state
// machines and the UPnP port-mapping client they drive.
package reachability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// UPnPClient discovers an Internet Gateway Device via SSDP and drives its
// WANIPConnection SOAP control point. Kept stdlib-only: no example in the corpus vendors a UPnP
// SOAP library, and the wire format here is small enough that hand-rolled
// string templates match the corpus's general comfort with manual
// HTTP/SOAP string-building (see the transport package's HTTP-decoy and
// HTTP-CONNECT code).
type UPnPClient struct {
	timeout       time.Duration
	gatewayURL    string
	controlURL    string
	serviceType   string
	discoveryDone bool
}

// Mapping describes a port forward to request from the gateway.
type Mapping struct {
	ExternalPort int
	InternalPort int
	InternalIP   string
	Protocol     string
	Description  string
	Duration     time.Duration
}

// NewUPnPClient creates a client with a 10s default SOAP/SSDP timeout.
func NewUPnPClient() *UPnPClient {
	return &UPnPClient{timeout: 10 * time.Second}
}

// SetTimeout overrides the default SSDP/SOAP timeout.
func (uc *UPnPClient) SetTimeout(timeout time.Duration) {
	uc.timeout = timeout
}

// DiscoverGateway performs SSDP discovery for an Internet Gateway Device and
// resolves its WANIPConnection control URL. A repeated call after a
// successful discovery is a no-op.
func (uc *UPnPClient) DiscoverGateway(ctx context.Context) error {
	if uc.discoveryDone && uc.gatewayURL != "" {
		return nil
	}

	gatewayURL, err := uc.ssdpDiscover(ctx, "urn:schemas-upnp-org:device:InternetGatewayDevice:1")
	if err != nil {
		gatewayURL, err = uc.ssdpDiscover(ctx, "urn:schemas-upnp-org:service:WANIPConnection:1")
		if err != nil {
			return fmt.Errorf("reachability: discover upnp gateway: %w", err)
		}
	}

	uc.gatewayURL = gatewayURL
	uc.discoveryDone = true
	return uc.getDeviceDescription(ctx)
}

// IsAvailable reports whether a UPnP gateway could be discovered.
func (uc *UPnPClient) IsAvailable(ctx context.Context) bool {
	return uc.DiscoverGateway(ctx) == nil
}

func (uc *UPnPClient) ssdpDiscover(ctx context.Context, serviceType string) (string, error) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900})
	if err != nil {
		return "", fmt.Errorf("dial ssdp multicast: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(uc.timeout))
	}

	searchRequest := fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\nST: %s\r\nMAN: \"ssdp:discover\"\r\nMX: 3\r\n\r\n",
		serviceType)

	if _, err := conn.Write([]byte(searchRequest)); err != nil {
		return "", fmt.Errorf("send ssdp m-search: %w", err)
	}

	buffer := make([]byte, 2048)
	n, err := conn.Read(buffer)
	if err != nil {
		return "", fmt.Errorf("read ssdp response: %w", err)
	}

	return parseLocationFromSSDPResponse(string(buffer[:n]))
}

func parseLocationFromSSDPResponse(response string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(response))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1]), nil
			}
		}
	}
	return "", errors.New("reachability: LOCATION header not found in ssdp response")
}

func (uc *UPnPClient) getDeviceDescription(ctx context.Context) error {
	if uc.gatewayURL == "" {
		return errors.New("reachability: gateway url not set")
	}

	client := &http.Client{Timeout: uc.timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uc.gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("build device description request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch device description: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device description http error: %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read device description body: %w", err)
	}

	return uc.parseDeviceDescription(string(body))
}

func (uc *UPnPClient) parseDeviceDescription(xml string) error {
	inWANService := false
	for _, line := range strings.Split(xml, "\n") {
		line = strings.TrimSpace(line)

		if uc.checkWANServiceStart(line, &inWANService) {
			continue
		}
		if inWANService {
			if err := uc.tryExtractControlURL(line); err != nil {
				return err
			}
			if uc.controlURL != "" {
				return nil
			}
		}
	}
	return errors.New("reachability: WANIPConnection service not found in device description")
}

func (uc *UPnPClient) checkWANServiceStart(line string, inWANService *bool) bool {
	if strings.Contains(line, "WANIPConnection") {
		*inWANService = true
		uc.serviceType = "urn:schemas-upnp-org:service:WANIPConnection:1"
		return true
	}
	return false
}

func (uc *UPnPClient) tryExtractControlURL(line string) error {
	if !strings.Contains(line, "<controlURL>") {
		return nil
	}
	path, found := extractControlPath(line)
	if !found {
		return nil
	}
	return uc.buildControlURL(path)
}

func extractControlPath(line string) (string, bool) {
	start := strings.Index(line, "<controlURL>")
	end := strings.Index(line, "</controlURL>")
	if start == -1 || end == -1 {
		return "", false
	}
	start += len("<controlURL>")
	return line[start:end], true
}

func (uc *UPnPClient) buildControlURL(path string) error {
	base, err := url.Parse(uc.gatewayURL)
	if err != nil {
		return fmt.Errorf("parse gateway url: %w", err)
	}
	control, err := base.Parse(path)
	if err != nil {
		return fmt.Errorf("parse control url: %w", err)
	}
	uc.controlURL = control.String()
	return nil
}

// AddPortMapping requests a port forward from the gateway.
func (uc *UPnPClient) AddPortMapping(ctx context.Context, mapping Mapping) error {
	if uc.controlURL == "" {
		return errors.New("reachability: control url not set, call DiscoverGateway first")
	}

	soapAction := "urn:schemas-upnp-org:service:WANIPConnection:1#AddPortMapping"
	soapBody := fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:AddPortMapping xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1">
<NewRemoteHost></NewRemoteHost>
<NewExternalPort>%d</NewExternalPort>
<NewProtocol>%s</NewProtocol>
<NewInternalPort>%d</NewInternalPort>
<NewInternalClient>%s</NewInternalClient>
<NewEnabled>1</NewEnabled>
<NewPortMappingDescription>%s</NewPortMappingDescription>
<NewLeaseDuration>%d</NewLeaseDuration>
</u:AddPortMapping>
</s:Body>
</s:Envelope>`,
		mapping.ExternalPort, strings.ToUpper(mapping.Protocol), mapping.InternalPort,
		mapping.InternalIP, mapping.Description, int(mapping.Duration.Seconds()))

	return uc.sendSOAPRequest(ctx, soapAction, soapBody)
}

// DeletePortMapping removes a previously requested port forward. The IPv4
// state machine does not call it; mappings it creates are left in place.
func (uc *UPnPClient) DeletePortMapping(ctx context.Context, externalPort int, protocol string) error {
	if uc.controlURL == "" {
		return errors.New("reachability: control url not set, call DiscoverGateway first")
	}

	soapAction := "urn:schemas-upnp-org:service:WANIPConnection:1#DeletePortMapping"
	soapBody := fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:DeletePortMapping xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1">
<NewRemoteHost></NewRemoteHost>
<NewExternalPort>%d</NewExternalPort>
<NewProtocol>%s</NewProtocol>
</u:DeletePortMapping>
</s:Body>
</s:Envelope>`,
		externalPort, strings.ToUpper(protocol))

	return uc.sendSOAPRequest(ctx, soapAction, soapBody)
}

// GetExternalIPAddress queries the gateway's currently assigned WAN IP.
func (uc *UPnPClient) GetExternalIPAddress(ctx context.Context) (net.IP, error) {
	if uc.controlURL == "" {
		return nil, errors.New("reachability: control url not set, call DiscoverGateway first")
	}

	soapAction := "urn:schemas-upnp-org:service:WANIPConnection:1#GetExternalIPAddress"
	soapBody := `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:GetExternalIPAddress xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:1">
</u:GetExternalIPAddress>
</s:Body>
</s:Envelope>`

	response, err := uc.sendSOAPRequestWithResponse(ctx, soapAction, soapBody)
	if err != nil {
		return nil, err
	}
	return parseExternalIPResponse(response)
}

func (uc *UPnPClient) sendSOAPRequest(ctx context.Context, soapAction, soapBody string) error {
	_, err := uc.sendSOAPRequestWithResponse(ctx, soapAction, soapBody)
	return err
}

func (uc *UPnPClient) sendSOAPRequestWithResponse(ctx context.Context, soapAction, soapBody string) (string, error) {
	client := &http.Client{Timeout: uc.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uc.controlURL, strings.NewReader(soapBody))
	if err != nil {
		return "", fmt.Errorf("build soap request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+soapAction+`"`)
	req.Header.Set("Content-Length", strconv.Itoa(len(soapBody)))

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send soap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read soap response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("soap request failed: %s - %s", resp.Status, string(body))
	}
	return string(body), nil
}

func parseExternalIPResponse(response string) (net.IP, error) {
	start := strings.Index(response, "<NewExternalIPAddress>")
	if start == -1 {
		return nil, errors.New("reachability: external ip address not found in response")
	}
	start += len("<NewExternalIPAddress>")

	end := strings.Index(response[start:], "</NewExternalIPAddress>")
	if end == -1 {
		return nil, errors.New("reachability: malformed external ip address in response")
	}

	ipStr := response[start : start+end]
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("reachability: invalid ip address %q", ipStr)
	}
	return ip, nil
}
