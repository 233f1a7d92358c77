package upstream

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	soapEnvelopeNS   = "http://schemas.xmlsoap.org/soap/envelope/"
	serverSyncNS     = "http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService"
	dssAuthNS        = "http://www.microsoft.com/SoftwareDistribution/Server/DssAuthWebService"
	maxResponseBytes = 512 << 20
)

type requestEnvelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    struct {
		Content any
	} `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

type responseEnvelope struct {
	Body struct {
		Fault *soapFault `xml:"Fault"`
		Inner []byte     `xml:",innerxml"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

// FaultError is a SOAP fault returned by the remote service.
type FaultError struct {
	Operation string
	Code      string
	Message   string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s: soap fault %s: %s", e.Operation, e.Code, e.Message)
}

// soapCall posts one SOAP 1.1 request and decodes the body element of the
// reply into out.
func soapCall(ctx context.Context, hc *http.Client, url string, namespace string, operation string, in any, out any) error {
	var env requestEnvelope
	env.Body.Content = in
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("%s: encode request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `"`+namespace+"/"+operation+`"`)

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", operation, err)
	}

	var reply responseEnvelope
	if err := xml.Unmarshal(body, &reply); err != nil {
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("%s: http status %d", operation, resp.StatusCode)
		}
		return fmt.Errorf("%s: decode response: %w", operation, err)
	}
	if f := reply.Body.Fault; f != nil {
		return &FaultError{Operation: operation, Code: strings.TrimSpace(f.Code), Message: strings.TrimSpace(f.String)}
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: http status %d", operation, resp.StatusCode)
	}
	if err := xml.Unmarshal(reply.Body.Inner, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", operation, err)
	}
	return nil
}
