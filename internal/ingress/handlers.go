package ingress

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/switchboard/internal/dispatch"
)

// handleOrigination receives the external assignment webhook and runs the
// origination flow. All user-visible work happens before the tracking
// record, so a tracking failure still answers 200.
func handleOrigination(d *dispatch.Dispatcher, out io.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := decodeOrigination(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
			return
		}

		fmt.Fprintf(out, "ingress: origination [source=%s pm=%s]\n", req.SourceRecordID, req.PMID)

		res, err := d.Originate(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to deliver notification",
				"details": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"thread_ts": res.ThreadID,
			"picker_ts": res.PickerMessageID,
		})
	}
}

// decodeOrigination handles both a plain JSON object and the relayed form
// where the object arrives JSON-encoded as a string under an empty key.
func decodeOrigination(r io.Reader) (dispatch.OriginationRequest, error) {
	var req dispatch.OriginationRequest

	data, err := io.ReadAll(r)
	if err != nil {
		return req, fmt.Errorf("ingress: read body: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return req, fmt.Errorf("ingress: parse body: %w", err)
	}
	if nested, ok := raw[""]; ok {
		var inner string
		if err := json.Unmarshal(nested, &inner); err != nil {
			return req, fmt.Errorf("ingress: parse nested body: %w", err)
		}
		data = []byte(inner)
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("ingress: decode payload: %w", err)
	}
	return req, nil
}

// urlVerification is the Slack endpoint-ownership handshake body.
type urlVerification struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// handleInteraction receives Slack interaction callbacks over HTTP. The
// URL-verification challenge is echoed before any other processing.
func handleInteraction(d *dispatch.Dispatcher, out io.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "details": err.Error()})
			return
		}

		var verify urlVerification
		if json.Unmarshal(body, &verify) == nil && verify.Type == "url_verification" {
			c.JSON(http.StatusOK, gin.H{"challenge": verify.Challenge})
			return
		}

		payload := extractPayload(body, c.ContentType())
		var cb slackapi.InteractionCallback
		if err := json.Unmarshal(payload, &cb); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "details": err.Error()})
			return
		}

		ev, ok := dispatch.FromCallback(&cb)
		if !ok {
			// Shapes we don't handle are acknowledged, not errors.
			c.JSON(http.StatusOK, gin.H{"ok": true})
			return
		}

		fmt.Fprintf(out, "ingress: interaction [type=%s]\n", cb.Type)

		if err := d.Handle(c.Request.Context(), ev); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "details": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// extractPayload unwraps the interaction JSON from its delivery envelope:
// a form-encoded `payload` field (Slack's native delivery), a JSON object
// with a `payload` string, or the bare callback itself.
func extractPayload(body []byte, contentType string) []byte {
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if vals, err := url.ParseQuery(string(body)); err == nil {
			if p := vals.Get("payload"); p != "" {
				return []byte(p)
			}
		}
		return body
	}

	var wrapper struct {
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Payload != "" {
		return []byte(wrapper.Payload)
	}
	return body
}
