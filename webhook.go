package gitcord

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bobg/mid"
	"github.com/google/go-github/v45/github"
	"github.com/pkg/errors"
)

const (
	maxWebhookBody = 25 << 20
	deliveryTTL    = time.Hour

	signatureHeader = "X-Hub-Signature-256"
)

// WebhookPayload is the part of an issues or issue_comment delivery
// that the router and the handlers use.
type WebhookPayload struct {
	Action  string               `json:"action"`
	Repo    *github.Repository   `json:"repository"`
	Issue   *github.Issue        `json:"issue"`
	Comment *github.IssueComment `json:"comment"`
	Label   *github.Label        `json:"label"`
	Changes *github.EditChange   `json:"changes"`
	Sender  *github.User         `json:"sender"`
}

func (p *WebhookPayload) repository() (owner, name string, ok bool) {
	if p == nil || p.Repo == nil {
		return "", "", false
	}
	owner, name = p.Repo.GetOwner().GetLogin(), p.Repo.GetName()
	if owner == "" || name == "" {
		if o, n, found := strings.Cut(p.Repo.GetFullName(), "/"); found {
			owner, name = o, n
		}
	}
	return owner, name, owner != "" && name != ""
}

func (p *WebhookPayload) fromBot() bool {
	return p.Sender != nil && strings.EqualFold(p.Sender.GetType(), "Bot")
}

// OnGHWebhook is the single ingress for GitHub webhook deliveries of all mappings.
func (s *Service) OnGHWebhook(w http.ResponseWriter, req *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody+1))
	if err != nil {
		return errors.Wrap(err, "reading webhook body")
	}
	if len(body) > maxWebhookBody {
		return mid.CodeErr{C: http.StatusRequestEntityTooLarge}
	}

	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return mid.CodeErr{C: http.StatusBadRequest, Err: errors.Wrap(err, "decoding webhook payload")}
	}
	owner, name, ok := p.repository()
	if !ok {
		return mid.CodeErr{C: http.StatusBadRequest, Err: errors.New("webhook payload names no repository")}
	}

	mc, ok := s.Registry.FromWebhookPayload(&p)
	if !ok {
		s.logger().Debug("No mapping for webhook repository", "repo", owner+"/"+name)
		return mid.CodeErr{C: http.StatusNotFound}
	}

	if secret := mc.Mapping.WebhookSecret; secret != "" {
		sig := req.Header.Get(signatureHeader)
		if sig == "" {
			mc.Logger.Warn("Webhook delivery without signature", "remote", req.RemoteAddr)
			return mid.CodeErr{C: http.StatusUnauthorized}
		}
		if err := github.ValidateSignature(sig, body, []byte(secret)); err != nil {
			mc.Logger.Warn("Webhook signature mismatch", "remote", req.RemoteAddr)
			return mid.CodeErr{C: http.StatusUnauthorized}
		}
	}

	delivery := github.DeliveryID(req)
	if s.seenDelivery(mc.Mapping.ID, delivery) {
		mc.Logger.Debug("Duplicate webhook delivery", "delivery", delivery)
		return nil
	}

	event := github.WebHookType(req)
	if event == "ping" {
		mc.Logger.Info("Webhook ping")
		return nil
	}

	action := ParseAction(event, &p)
	h := dispatch[action]
	if h == nil {
		mc.Logger.Debug("Skipping webhook", "event", event, "action", p.Action)
		return nil
	}
	if p.Issue != nil && p.Issue.IsPullRequest() {
		mc.Logger.Debug("Skipping pull request", "number", p.Issue.GetNumber())
		return nil
	}
	if p.fromBot() {
		mc.Logger.Debug("Skipping bot event", "action", action, "sender", p.Sender.GetLogin())
		return nil
	}

	// The handler outlives a GitHub client that gives up waiting.
	ctx := context.WithoutCancel(req.Context())

	err = s.retry(ctx, mc, action.String(), func(ctx context.Context) error {
		return h(s, ctx, mc, &p)
	})
	if err != nil {
		mc.Logger.Error("Handling webhook", "action", action, "delivery", delivery, "error", err)
		return mid.CodeErr{C: http.StatusInternalServerError, Err: err}
	}
	s.rememberDelivery(mc.Mapping.ID, delivery)
	return nil
}

func (s *Service) seenDelivery(mappingID, delivery string) bool {
	if delivery == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.deliveries[mappingID+"/"+delivery]
	return ok && s.now().Sub(at) < deliveryTTL
}

func (s *Service) rememberDelivery(mappingID, delivery string) {
	if delivery == "" {
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deliveries == nil {
		s.deliveries = make(map[string]time.Time)
	}
	for k, at := range s.deliveries {
		if now.Sub(at) >= deliveryTTL {
			delete(s.deliveries, k)
		}
	}
	s.deliveries[mappingID+"/"+delivery] = now
}

func (s *Service) forgetDeliveries(mappingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := mappingID + "/"
	for k := range s.deliveries {
		if strings.HasPrefix(k, prefix) {
			delete(s.deliveries, k)
		}
	}
}
