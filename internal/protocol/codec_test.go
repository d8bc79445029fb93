package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid job request",
			req: &Request{
				Protocol:     1,
				RunID:        "run-1",
				JobID:        "check-patch/tests/x86_64/el8",
				Command:      "automation/tests.sh",
				Stage:        "check-patch",
				Substage:     "tests",
				Arch:         "x86_64",
				Distribution: "el8",
				Host:         Host{Name: "builder-1", Arch: "x86_64", Distributions: []string{"el8"}},
				DeadlineAt:   time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC),
			},
			checkFn: func(t *testing.T, output string) {
				for _, want := range []string{
					`"protocol":1`,
					`"job_id":"check-patch/tests/x86_64/el8"`,
					`"command":"automation/tests.sh"`,
					`"host":{"name":"builder-1","arch":"x86_64","distributions":["el8"]}`,
					`"deadline_at":"2026-02-08T12:00:00Z"`,
				} {
					if !strings.Contains(output, want) {
						t.Errorf("missing %s in %s", want, output)
					}
				}
			},
		},
		{
			name: "zero deadline omitted",
			req:  &Request{Protocol: 1, JobID: "a/b/c/d", Command: "x.sh"},
			checkFn: func(t *testing.T, output string) {
				if strings.Contains(output, "deadline_at") {
					t.Error("zero deadline should be omitted")
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, JobID: "test", Command: "x.sh"},
			wantErr: true,
		},
		{
			name:    "missing command",
			req:     &Request{Protocol: 1, JobID: "test"},
			wantErr: true,
		},
		{
			name:    "missing job id",
			req:     &Request{Protocol: 1, Command: "x.sh"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeRequest(&buf, tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:  "passed",
			input: `{"status":"passed"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if !resp.Passed() {
					t.Errorf("want passed, got %s", resp.Status)
				}
			},
		},
		{
			name:  "failed with diagnostic",
			input: `{"status":"failed","diagnostic":"3 tests failed"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Passed() {
					t.Error("want failed")
				}
				if resp.Diagnostic != "3 tests failed" {
					t.Errorf("want diagnostic, got %s", resp.Diagnostic)
				}
			},
		},
		{
			name:  "failed without diagnostic gets a default",
			input: `{"status":"failed"}`,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Diagnostic == "" {
					t.Error("want default diagnostic")
				}
			},
		},
		{
			name:  "response with logs",
			input: `{"status":"passed","logs":[{"level":"info","message":"built 3 rpms"}]}`,
			checkFn: func(t *testing.T, resp *Response) {
				if len(resp.Logs) != 1 {
					t.Fatalf("want 1 log, got %d", len(resp.Logs))
				}
				if resp.Logs[0].Level != "info" {
					t.Error("log level not parsed")
				}
			},
		},
		{
			name:    "missing status field",
			input:   `{"diagnostic":"x"}`,
			wantErr: true,
		},
		{
			name:    "invalid status value",
			input:   `{"status":"ok"}`,
			wantErr: true,
		},
		{
			name:    "unknown field rejected",
			input:   `{"status":"passed","retry":true}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `{not json}`,
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeResponseLenient(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantErr     bool
		wantRawData bool
	}{
		{
			name:        "unknown fields tolerated",
			input:       `{"status":"passed","extra":1}`,
			wantRawData: true,
		},
		{
			name:        "invalid JSON captures raw data",
			input:       `not json at all`,
			wantErr:     true,
			wantRawData: true,
		},
		{
			name:        "empty output",
			input:       ``,
			wantErr:     true,
			wantRawData: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, rawData, err := DecodeResponseLenient(strings.NewReader(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponseLenient() error = %v, wantErr %v", err, tt.wantErr)
			}

			if tt.wantRawData && len(rawData) == 0 && tt.input != "" {
				t.Error("expected raw data to be captured")
			}

			if !tt.wantErr && resp == nil {
				t.Error("expected response to be parsed")
			}
		})
	}
}
