package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mattjoyce/stagehand/internal/dispatch"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	branchRefPrefix = "refs/heads/"
)

// handlePushHook handles POST /hooks/push. The body must be signed with the
// shared webhook secret. Pushes to anything but a branch are acknowledged
// and ignored.
func (s *Server) handlePushHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifyHMACSignature(body, r.Header.Get(signatureHeader), s.config.WebhookSecret); err != nil {
		s.logger.Warn("push hook signature verification failed", "error", err, "remote_addr", r.RemoteAddr)
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req PushHookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	branch, ok := strings.CutPrefix(req.Ref, branchRefPrefix)
	if !ok || branch == "" {
		s.logger.Info("push hook ignored", "ref", req.Ref)
		respondJSON(w, http.StatusAccepted, SubmitRunResponse{Status: "ignored"})
		return
	}

	ticket, ok := s.submit(w, dispatch.Trigger{Branch: branch, Changes: req.ChangedFiles, Source: "hook"})
	if !ok {
		return
	}
	s.logger.Info("push hook queued run", "run_id", ticket.RunID, "branch", branch)
	respondJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: ticket.RunID, Status: "queued"})
}

// verifyHMACSignature checks an HMAC-SHA256 signature of body in either
// "sha256=<hex>" or plain hex form. Errors are deliberately generic.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("webhook verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("webhook verification failed")
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("webhook verification failed")
	}
	return nil
}

// SignPayload returns the X-Hub-Signature-256 value for body.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
