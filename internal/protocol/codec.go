package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest validates req and writes it to w as one JSON document.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.JobID == "" {
		return fmt.Errorf("request missing required field: job_id")
	}
	if req.Command == "" {
		return fmt.Errorf("request missing required field: command")
	}

	encoder := json.NewEncoder(w)
	if err := encoder.Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	return nil
}

// DecodeResponse reads a Response from r, rejecting unknown fields.
func DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeResponseLenient accepts unknown fields and returns the raw bytes so
// callers can surface what the runner actually printed.
func DecodeResponseLenient(r io.Reader) (*Response, []byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if len(data) == 0 {
		return nil, data, fmt.Errorf("runner produced no output on stdout")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, data, fmt.Errorf("runner output is not valid JSON: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, data, err
	}

	return &resp, data, nil
}

func validateResponse(resp *Response) error {
	switch resp.Status {
	case "":
		return fmt.Errorf("response missing required field: status")
	case StatusPassed:
		return nil
	case StatusFailed:
		if resp.Diagnostic == "" {
			resp.Diagnostic = "runner reported failure"
		}
		return nil
	default:
		return fmt.Errorf("invalid status value: %q (must be %q or %q)", resp.Status, StatusPassed, StatusFailed)
	}
}
