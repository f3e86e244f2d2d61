package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spigell/hh-screener/internal/session"
)

// SystemOfRecord updates the candidate application in the applicant
// tracking service.
type SystemOfRecord struct {
	BaseURL string
	HTTP    *http.Client

	disabled bool
	reason   string
}

type applicationUpdate struct {
	Status        string              `json:"status"`
	Evaluation    *session.Evaluation `json:"evaluation"`
	InterviewedAt time.Time           `json:"interviewedAt"`
}

func (c *SystemOfRecord) Name() string { return "system_of_record" }

func (c *SystemOfRecord) Disable(reason string) {
	c.disabled = true
	c.reason = reason
}

func (c *SystemOfRecord) IsEnabled() bool { return !c.disabled }

func (c *SystemOfRecord) Notify(ctx context.Context, o Outcome) error {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if baseURL == "" {
		return errors.New("missing system of record url")
	}
	if o.CallID == "" {
		return errors.New("missing call id")
	}

	body, err := json.Marshal(applicationUpdate{
		Status:        ApplicationStatus(o.Evaluation),
		Evaluation:    o.Evaluation,
		InterviewedAt: o.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}

	endpoint := baseURL + "/api/applications/" + url.PathEscape(o.CallID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("update application: status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *SystemOfRecord) Status() Status {
	details := map[string]string{}
	if c.BaseURL != "" {
		details["url"] = c.BaseURL
	}
	return Status{Name: c.Name(), Enabled: c.IsEnabled(), Reason: c.reason, Details: details}
}
