package cancellation

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/wolfman30/appointment-sync/pkg/logging"
)

const (
	// DefaultReason is sent when the caller does not pick a cancel reason.
	DefaultReason = "CANCELED_BY_PATIENT"
	// StatusSuccess is the response status the MIS returns on a cancel it accepted.
	StatusSuccess = "SUCCESS"

	soapNamespace   = "http://schemas.xmlsoap.org/soap/envelope/"
	serviceNS       = "http://www.rt-eu.ru/med/er/v2_0"
	soapAction      = "CancelAppointment"
	soapContentType = "text/xml; charset=utf-8"
)

var (
	// ErrNotConfigured is returned when no SOAP endpoint is set.
	ErrNotConfigured = errors.New("cancellation: soap url not configured")
	// ErrMissingBookID is returned when the appointment has no MIS identifier.
	ErrMissingBookID = errors.New("cancellation: book id is required")
	// ErrRejected is returned when the MIS answers without a SUCCESS status.
	ErrRejected = errors.New("cancellation: cancel rejected by mis")
)

// ErrorData is the optional diagnostic block attached to a cancel request.
type ErrorData struct {
	Message string
	Path    string
	Value   string
}

// Result is the outcome of one SOAP cancel call.
type Result struct {
	HTTPStatus int
	Status     string
	Response   string
}

// Success reports whether the MIS confirmed the cancellation.
func (r *Result) Success() bool {
	return r != nil && r.Status == StatusSuccess
}

// SOAPConfig configures the SOAP client.
type SOAPConfig struct {
	URL     string
	Timeout time.Duration
	Reason  string
}

// SOAPClient calls the MIS CancelAppointment operation.
type SOAPClient struct {
	http   *resty.Client
	url    string
	reason string
	logger *logging.Logger
}

// NewSOAPClient builds a SOAP client. The default timeout is 30s.
func NewSOAPClient(cfg SOAPConfig, logger *logging.Logger) *SOAPClient {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	reason := strings.TrimSpace(cfg.Reason)
	if reason == "" {
		reason = DefaultReason
	}
	return &SOAPClient{
		http: resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", soapContentType).
			SetHeader("SOAPAction", soapAction),
		url:    strings.TrimSpace(cfg.URL),
		reason: reason,
		logger: logger,
	}
}

// Configured reports whether a SOAP endpoint is set.
func (c *SOAPClient) Configured() bool {
	return c != nil && c.url != ""
}

type envelope struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	SoapNS  string   `xml:"xmlns:soapenv,attr"`
	V2NS    string   `xml:"xmlns:v2,attr"`
	Header  struct{} `xml:"soapenv:Header"`
	Body    body     `xml:"soapenv:Body"`
}

type body struct {
	Request cancelRequest `xml:"v2:CancelAppointmentRequest"`
}

type cancelRequest struct {
	BookIDMis      string          `xml:"v2:Book_Id_Mis"`
	CanceledReason string          `xml:"v2:Canceled_Reason"`
	ErrorData      *errorDataBlock `xml:"v2:Error_Data_Parameters,omitempty"`
}

type errorDataBlock struct {
	Parameter errorParameter `xml:"v2:Parameter"`
}

type errorParameter struct {
	Message string `xml:"v2:Message"`
	Path    string `xml:"v2:Path"`
	Value   string `xml:"v2:Value"`
}

// BuildEnvelope renders the CancelAppointment request body.
func BuildEnvelope(bookID, reason string, data *ErrorData) ([]byte, error) {
	env := envelope{
		SoapNS: soapNamespace,
		V2NS:   serviceNS,
		Body: body{Request: cancelRequest{
			BookIDMis:      bookID,
			CanceledReason: reason,
		}},
	}
	if data != nil {
		env.Body.Request.ErrorData = &errorDataBlock{Parameter: errorParameter{
			Message: data.Message,
			Path:    data.Path,
			Value:   data.Value,
		}}
	}
	out, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cancellation: encode envelope: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Cancel asks the MIS to cancel the booking. A response is successful only
// when it carries a Status element equal to SUCCESS; anything else returns
// ErrRejected together with the parsed result.
func (c *SOAPClient) Cancel(ctx context.Context, bookID, reason string, data *ErrorData) (*Result, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return nil, ErrMissingBookID
	}
	if strings.TrimSpace(reason) == "" {
		reason = c.reason
	}

	payload, err := BuildEnvelope(bookID, reason, data)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(c.url)
	if err != nil {
		return nil, fmt.Errorf("cancellation: soap request: %w", err)
	}

	result := &Result{
		HTTPStatus: resp.StatusCode(),
		Response:   resp.String(),
	}
	if resp.IsError() {
		c.logger.Warn("cancellation: soap http error", "book_id_mis", bookID, "status", resp.StatusCode())
		return result, fmt.Errorf("%w: http %d", ErrRejected, resp.StatusCode())
	}

	result.Status = responseStatus(resp.Body())
	if !result.Success() {
		c.logger.Warn("cancellation: soap status not success", "book_id_mis", bookID, "status", result.Status)
		return result, fmt.Errorf("%w: status %q", ErrRejected, result.Status)
	}

	c.logger.Info("cancellation: soap cancel accepted", "book_id_mis", bookID, "reason", reason)
	return result, nil
}

// responseStatus returns the text of the first Status (or Status_Code)
// element in the response, ignoring namespace prefixes.
func responseStatus(raw []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "Status" && start.Name.Local != "Status_Code" {
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return ""
		}
		return strings.TrimSpace(text)
	}
}
