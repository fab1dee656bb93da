package jmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
)

const (
	draftCreationID      = "draft"
	submissionCreationID = "submission"

	roleDrafts = "drafts"
	roleSent   = "sent"
)

// Client executes submission operations for one JMAP account. It caches the
// account's identities and special mailboxes; it never touches local state.
type Client struct {
	t         *transport
	session   *Session
	accountID string
	logger    *slog.Logger

	mu         sync.Mutex
	identities map[string]string // lower-cased email -> identity id
	mailboxes  map[string]string // role -> mailbox id
}

var _ domain.AccountClient = (*Client)(nil)

func newClient(t *transport, session *Session, logger *slog.Logger) *Client {
	return &Client{
		t:         t,
		session:   session,
		accountID: session.AccountID(),
		logger:    logger.With("jmap_account", session.AccountID()),
	}
}

// SubmissionCapabilities reports what the session advertises for delayed send.
func (c *Client) SubmissionCapabilities(_ context.Context) (domain.Capabilities, error) {
	return c.session.submissionCapabilities(), nil
}

// CreateAndSubmit creates the draft and submits it in one request, moving the
// email from Drafts to Sent once the submission is accepted.
func (c *Client) CreateAndSubmit(ctx context.Context, req domain.SubmissionRequest) (domain.CreateResult, error) {
	const op = "createAndSubmit"

	if err := c.resolveAccountObjects(ctx); err != nil {
		return domain.CreateResult{}, err
	}
	identityID, ok := c.identityFor(req.Message.From)
	if !ok {
		return domain.CreateResult{}, &domain.RefusalError{Op: op, Refusal: domain.SetRefusal{
			Type:        "forbiddenFrom",
			Description: fmt.Sprintf("no sending identity for %s", req.Message.From),
		}}
	}
	draftsID, sentID := c.mailbox(roleDrafts), c.mailbox(roleSent)

	emailArgs := map[string]any{
		"accountId": c.accountID,
		"create":    map[string]any{draftCreationID: newEmailCreate(req.Message, draftsID)},
	}
	if req.ReplacesMessageID != "" {
		emailArgs["destroy"] = []string{req.ReplacesMessageID}
	}

	onSuccess := map[string]any{"keywords/$draft": nil}
	if draftsID != sentID {
		onSuccess["mailboxIds/"+draftsID] = nil
		if sentID != "" {
			onSuccess["mailboxIds/"+sentID] = true
		}
	}
	submissionArgs := map[string]any{
		"accountId": c.accountID,
		"create": map[string]any{
			submissionCreationID: map[string]any{
				"identityId": identityID,
				"emailId":    "#" + draftCreationID,
				"envelope":   req.Envelope,
			},
		},
		"onSuccessUpdateEmail": map[string]any{"#" + submissionCreationID: onSuccess},
	}

	emailCall, err := newInvocation("Email/set", emailArgs, "0")
	if err != nil {
		return domain.CreateResult{}, err
	}
	submitCall, err := newInvocation("EmailSubmission/set", submissionArgs, "1")
	if err != nil {
		return domain.CreateResult{}, err
	}
	resp, err := c.t.call(ctx, c.session.APIURL, Request{Using: submissionUsing, MethodCalls: []Invocation{emailCall, submitCall}})
	if err != nil {
		return domain.CreateResult{}, err
	}

	var emailSet setResponse
	if err := decodeMethod(resp, "0", "Email/set", &emailSet); err != nil {
		return domain.CreateResult{}, methodFailure(op, err)
	}
	if se, ok := emailSet.NotCreated[draftCreationID]; ok {
		return domain.CreateResult{}, &domain.RefusalError{Op: op, Refusal: *se.refusal()}
	}
	draft, ok := emailSet.Created[draftCreationID]
	if !ok || draft.ID == "" {
		return domain.CreateResult{}, &domain.RemoteError{Op: op, Err: errors.New("Email/set did not report the created draft")}
	}
	if se, ok := emailSet.NotDestroyed[req.ReplacesMessageID]; ok && req.ReplacesMessageID != "" {
		c.logger.WarnContext(ctx, "Could not remove replaced draft", "email_id", req.ReplacesMessageID, "error", se.Type)
	}

	var submissionSet setResponse
	if err := decodeMethod(resp, "1", "EmailSubmission/set", &submissionSet); err != nil {
		c.discardDraft(ctx, draft.ID)
		return domain.CreateResult{RemoteMessageID: draft.ID}, methodFailure(op, err)
	}
	if se, ok := submissionSet.NotCreated[submissionCreationID]; ok {
		c.discardDraft(ctx, draft.ID)
		return domain.CreateResult{RemoteMessageID: draft.ID}, &domain.RefusalError{Op: op, Refusal: *se.refusal()}
	}
	created, ok := submissionSet.Created[submissionCreationID]
	if !ok || created.ID == "" {
		c.discardDraft(ctx, draft.ID)
		return domain.CreateResult{RemoteMessageID: draft.ID}, &domain.RemoteError{Op: op, Err: errors.New("EmailSubmission/set did not report the created submission")}
	}

	c.logger.InfoContext(ctx, "JMAP submission created", "email_id", draft.ID, "submission_id", created.ID)
	return domain.CreateResult{RemoteMessageID: draft.ID, RemoteSubmissionID: created.ID}, nil
}

// discardDraft destroys a draft whose submission was not created. Failures
// are logged with the draft id and otherwise ignored.
func (c *Client) discardDraft(ctx context.Context, emailID string) {
	logFailure := func(reason string) {
		c.logger.WarnContext(ctx, "Draft left behind after failed submission", "email_id", emailID, "reason", reason)
	}
	call, err := newInvocation("Email/set", map[string]any{"accountId": c.accountID, "destroy": []string{emailID}}, "0")
	if err != nil {
		logFailure(err.Error())
		return
	}
	resp, err := c.t.call(ctx, c.session.APIURL, Request{Using: submissionUsing, MethodCalls: []Invocation{call}})
	if err != nil {
		logFailure(err.Error())
		return
	}
	var set setResponse
	if err := decodeMethod(resp, "0", "Email/set", &set); err != nil {
		logFailure(err.Error())
		return
	}
	if se, ok := set.NotDestroyed[emailID]; ok {
		logFailure(se.Type)
		return
	}
	c.logger.InfoContext(ctx, "Discarded draft of failed submission", "email_id", emailID)
}

// Cancel sets undoStatus to canceled and moves the email back to Drafts.
func (c *Client) Cancel(ctx context.Context, submissionID string) (domain.CancelResult, error) {
	const op = "cancel"

	args := map[string]any{
		"accountId": c.accountID,
		"update":    map[string]any{submissionID: map[string]any{"undoStatus": string(domain.UndoStatusCanceled)}},
	}
	if err := c.resolveAccountObjects(ctx); err == nil {
		draftsID, sentID := c.mailbox(roleDrafts), c.mailbox(roleSent)
		restore := map[string]any{"keywords/$draft": true}
		if draftsID != "" && draftsID != sentID {
			restore["mailboxIds/"+draftsID] = true
			if sentID != "" {
				restore["mailboxIds/"+sentID] = nil
			}
		}
		args["onSuccessUpdateEmail"] = map[string]any{submissionID: restore}
	} else {
		c.logger.WarnContext(ctx, "Cancelling without restoring the draft", "submission_id", submissionID, "error", err)
	}

	updated, refusal, err := c.setSubmission(ctx, op, submissionID, args)
	if err != nil {
		return domain.CancelResult{}, err
	}
	return domain.CancelResult{Cancelled: updated, Refusal: refusal}, nil
}

// UpdateHold patches HOLDUNTIL in place. Servers that refuse the patch report
// Updated=false so the caller can fall back to cancel-and-recreate.
func (c *Client) UpdateHold(ctx context.Context, submissionID string, holdUntil time.Time) (domain.UpdateResult, error) {
	const op = "updateHold"

	patch := "envelope/mailFrom/parameters/" + domain.ParamHoldUntil
	args := map[string]any{
		"accountId": c.accountID,
		"update":    map[string]any{submissionID: map[string]any{patch: strconv.FormatInt(holdUntil.Unix(), 10)}},
	}
	updated, refusal, err := c.setSubmission(ctx, op, submissionID, args)
	if err != nil {
		var re *domain.RemoteError
		var me *MethodError
		if errors.As(err, &re) && errors.As(re.Err, &me) && !me.Retryable() {
			return domain.UpdateResult{Refusal: &domain.SetRefusal{Type: me.Type, Description: me.Description}}, nil
		}
		return domain.UpdateResult{}, err
	}
	return domain.UpdateResult{Updated: updated, Refusal: refusal}, nil
}

func (c *Client) setSubmission(ctx context.Context, op, submissionID string, args map[string]any) (bool, *domain.SetRefusal, error) {
	call, err := newInvocation("EmailSubmission/set", args, "0")
	if err != nil {
		return false, nil, err
	}
	resp, err := c.t.call(ctx, c.session.APIURL, Request{Using: submissionUsing, MethodCalls: []Invocation{call}})
	if err != nil {
		return false, nil, err
	}
	var set setResponse
	if err := decodeMethod(resp, "0", "EmailSubmission/set", &set); err != nil {
		return false, nil, methodFailure(op, err)
	}
	if se, ok := set.NotUpdated[submissionID]; ok {
		return false, se.refusal(), nil
	}
	if _, ok := set.Updated[submissionID]; ok {
		return true, nil, nil
	}
	return false, &domain.SetRefusal{Type: "notUpdated", Description: "server did not report the update"}, nil
}

// GetStatus fetches undoStatus for ids, chunked to the server's
// maxObjectsInGet and packed into as few requests as maxCallsInRequest allows.
func (c *Client) GetStatus(ctx context.Context, submissionIDs []string) (map[string]domain.RemoteSubmission, error) {
	const op = "getStatus"
	out := make(map[string]domain.RemoteSubmission, len(submissionIDs))
	if len(submissionIDs) == 0 {
		return out, nil
	}
	limits := c.session.core()

	var calls []Invocation
	flush := func() error {
		if len(calls) == 0 {
			return nil
		}
		resp, err := c.t.call(ctx, c.session.APIURL, Request{Using: submissionUsing, MethodCalls: calls})
		if err != nil {
			return err
		}
		for _, call := range calls {
			var got getSubmissionsResponse
			if err := decodeMethod(resp, call.CallID, "EmailSubmission/get", &got); err != nil {
				return methodFailure(op, err)
			}
			for _, s := range got.List {
				out[s.ID] = domain.RemoteSubmission{
					ID:         s.ID,
					EmailID:    s.EmailID,
					UndoStatus: domain.UndoStatus(s.UndoStatus),
					SendAt:     parseUTCDate(s.SendAt),
				}
			}
		}
		calls = calls[:0]
		return nil
	}

	for start, n := 0, 0; start < len(submissionIDs); start, n = start+limits.MaxObjectsInGet, n+1 {
		end := start + limits.MaxObjectsInGet
		if end > len(submissionIDs) {
			end = len(submissionIDs)
		}
		call, err := newInvocation("EmailSubmission/get", map[string]any{
			"accountId":  c.accountID,
			"ids":        submissionIDs[start:end],
			"properties": []string{"id", "emailId", "undoStatus", "sendAt"},
		}, "g"+strconv.Itoa(n))
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
		if len(calls) == limits.MaxCallsInRequest {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveAccountObjects loads identities and mailbox roles once per client.
func (c *Client) resolveAccountObjects(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.identities != nil && c.mailboxes != nil
	c.mu.Unlock()
	if loaded {
		return nil
	}

	identityCall, err := newInvocation("Identity/get", map[string]any{"accountId": c.accountID, "ids": nil}, "i")
	if err != nil {
		return err
	}
	mailboxCall, err := newInvocation("Mailbox/get", map[string]any{
		"accountId":  c.accountID,
		"ids":        nil,
		"properties": []string{"id", "role"},
	}, "m")
	if err != nil {
		return err
	}
	resp, err := c.t.call(ctx, c.session.APIURL, Request{Using: submissionUsing, MethodCalls: []Invocation{identityCall, mailboxCall}})
	if err != nil {
		return err
	}

	var ids getIdentitiesResponse
	if err := decodeMethod(resp, "i", "Identity/get", &ids); err != nil {
		return methodFailure("resolveIdentities", err)
	}
	var boxes getMailboxesResponse
	if err := decodeMethod(resp, "m", "Mailbox/get", &boxes); err != nil {
		return methodFailure("resolveMailboxes", err)
	}

	identities := make(map[string]string, len(ids.List))
	for _, id := range ids.List {
		identities[strings.ToLower(id.Email)] = id.ID
	}
	mailboxes := make(map[string]string)
	for _, mb := range boxes.List {
		if mb.Role != "" {
			mailboxes[strings.ToLower(mb.Role)] = mb.ID
		}
	}
	if mailboxes[roleDrafts] == "" {
		return &domain.RemoteError{Op: "resolveMailboxes", Err: errors.New("account has no drafts mailbox")}
	}

	c.mu.Lock()
	c.identities, c.mailboxes = identities, mailboxes
	c.mu.Unlock()
	return nil
}

// identityFor matches the sender exactly, then a "*@domain" wildcard identity.
func (c *Client) identityFor(from string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := strings.ToLower(strings.TrimSpace(from))
	if id, ok := c.identities[addr]; ok {
		return id, true
	}
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		if id, ok := c.identities["*"+addr[at:]]; ok {
			return id, true
		}
	}
	return "", false
}

func (c *Client) mailbox(role string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mailboxes[role]
}

func decodeMethod(resp *Response, callID, name string, into any) error {
	raw, err := resp.find(callID, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode %s response: %w", name, err)
	}
	return nil
}
