package jmap

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
)

const (
	CapabilityCore       = "urn:ietf:params:jmap:core"
	CapabilityMail       = "urn:ietf:params:jmap:mail"
	CapabilitySubmission = "urn:ietf:params:jmap:submission"

	extensionFutureRelease = "FUTURERELEASE"

	defaultMaxObjectsInGet   = 500
	defaultMaxCallsInRequest = 16
)

var submissionUsing = []string{CapabilityCore, CapabilityMail, CapabilitySubmission}

// Invocation is one method call or response.
// NB: no JSON tags; it travels as a [name, arguments, callId] tuple.
type Invocation struct {
	Name      string
	Arguments json.RawMessage
	CallID    string
}

func newInvocation(name string, args any, callID string) (Invocation, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return Invocation{}, fmt.Errorf("marshal %s arguments: %w", name, err)
	}
	return Invocation{Name: name, Arguments: raw, CallID: callID}, nil
}

func (inv Invocation) MarshalJSON() ([]byte, error) {
	args := inv.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return json.Marshal([]any{inv.Name, args, inv.CallID})
}

func (inv *Invocation) UnmarshalJSON(b []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(b, &tuple); err != nil {
		return fmt.Errorf("invocation is not a 3-tuple: %w", err)
	}
	var name, callID string
	if err := json.Unmarshal(tuple[0], &name); err != nil {
		return fmt.Errorf("invocation name must be a string: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &callID); err != nil {
		return fmt.Errorf("invocation call id must be a string: %w", err)
	}
	*inv = Invocation{Name: name, Arguments: tuple[1], CallID: callID}
	return nil
}

// Request is the body POSTed to the API URL.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// Response is the API URL's reply.
type Response struct {
	MethodResponses []Invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// find returns the response for callID with the given method name.
// A method-level error for that call is returned as a *MethodError.
func (r *Response) find(callID, name string) (json.RawMessage, error) {
	for _, inv := range r.MethodResponses {
		if inv.CallID != callID {
			continue
		}
		if inv.Name == "error" {
			var me MethodError
			if err := json.Unmarshal(inv.Arguments, &me); err != nil {
				return nil, fmt.Errorf("decode method error for %s: %w", name, err)
			}
			me.Method = name
			return nil, &me
		}
		if inv.Name == name {
			return inv.Arguments, nil
		}
	}
	return nil, fmt.Errorf("no %s response for call %q", name, callID)
}

// MethodError is a method-level error response.
type MethodError struct {
	Method      string `json:"-"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *MethodError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: %s", e.Method, e.Type)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Method, e.Type, e.Description)
}

// Retryable reports whether the server signalled a transient condition.
func (e *MethodError) Retryable() bool {
	return e.Type == "serverFail" || e.Type == "serverUnavailable"
}

// SetError is the per-object error in a /set response.
type SetError struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Properties  []string `json:"properties,omitempty"`
}

func (e SetError) refusal() *domain.SetRefusal {
	return &domain.SetRefusal{Type: e.Type, Description: e.Description}
}

type createdObject struct {
	ID string `json:"id"`
}

type setResponse struct {
	AccountID    string                     `json:"accountId"`
	Created      map[string]createdObject   `json:"created"`
	Updated      map[string]json.RawMessage `json:"updated"`
	Destroyed    []string                   `json:"destroyed"`
	NotCreated   map[string]SetError        `json:"notCreated"`
	NotUpdated   map[string]SetError        `json:"notUpdated"`
	NotDestroyed map[string]SetError        `json:"notDestroyed"`
}

type emailSubmissionObject struct {
	ID         string `json:"id"`
	EmailID    string `json:"emailId"`
	UndoStatus string `json:"undoStatus"`
	SendAt     string `json:"sendAt"`
}

type getSubmissionsResponse struct {
	List     []emailSubmissionObject `json:"list"`
	NotFound []string                `json:"notFound"`
}

type identityObject struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type getIdentitiesResponse struct {
	List []identityObject `json:"list"`
}

type mailboxObject struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type getMailboxesResponse struct {
	List []mailboxObject `json:"list"`
}

type emailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func addressList(addrs []string) []emailAddress {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]emailAddress, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, emailAddress{Email: strings.TrimSpace(a)})
	}
	return out
}

type bodyPart struct {
	PartID string `json:"partId"`
	Type   string `json:"type"`
}

type bodyValue struct {
	Value string `json:"value"`
}

// emailCreate is the Email object sent in Email/set create.
type emailCreate struct {
	MailboxIDs map[string]bool      `json:"mailboxIds"`
	Keywords   map[string]bool      `json:"keywords"`
	From       []emailAddress       `json:"from"`
	To         []emailAddress       `json:"to,omitempty"`
	Cc         []emailAddress       `json:"cc,omitempty"`
	Bcc        []emailAddress       `json:"bcc,omitempty"`
	ReplyTo    []emailAddress       `json:"replyTo,omitempty"`
	Subject    string               `json:"subject"`
	InReplyTo  []string             `json:"inReplyTo,omitempty"`
	References []string             `json:"references,omitempty"`
	TextBody   []bodyPart           `json:"textBody,omitempty"`
	HTMLBody   []bodyPart           `json:"htmlBody,omitempty"`
	BodyValues map[string]bodyValue `json:"bodyValues"`
}

func newEmailCreate(msg domain.Message, draftsID string) emailCreate {
	e := emailCreate{
		MailboxIDs: map[string]bool{draftsID: true},
		Keywords:   map[string]bool{"$draft": true, "$seen": true},
		From:       []emailAddress{{Name: msg.FromName, Email: msg.From}},
		To:         addressList(msg.To),
		Cc:         addressList(msg.Cc),
		Bcc:        addressList(msg.Bcc),
		ReplyTo:    addressList(msg.ReplyTo),
		Subject:    msg.Subject,
		References: msg.References,
		BodyValues: map[string]bodyValue{},
	}
	if msg.InReplyTo != "" {
		e.InReplyTo = []string{msg.InReplyTo}
	}
	if msg.TextBody != "" || msg.HTMLBody == "" {
		e.TextBody = []bodyPart{{PartID: "text", Type: "text/plain"}}
		e.BodyValues["text"] = bodyValue{Value: msg.TextBody}
	}
	if msg.HTMLBody != "" {
		e.HTMLBody = []bodyPart{{PartID: "html", Type: "text/html"}}
		e.BodyValues["html"] = bodyValue{Value: msg.HTMLBody}
	}
	return e
}
