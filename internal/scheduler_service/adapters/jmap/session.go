package jmap

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/aradsms/mailscheduler/internal/scheduler_service/domain"
)

// Session is the subset of the JMAP session resource the client relies on.
type Session struct {
	Username        string                     `json:"username"`
	APIURL          string                     `json:"apiUrl"`
	State           string                     `json:"state"`
	PrimaryAccounts map[string]string          `json:"primaryAccounts"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
}

type coreCapability struct {
	MaxObjectsInGet   int `json:"maxObjectsInGet"`
	MaxCallsInRequest int `json:"maxCallsInRequest"`
}

type submissionCapability struct {
	MaxDelayedSend       int64           `json:"maxDelayedSend"`
	SubmissionExtensions json.RawMessage `json:"submissionExtensions"`
}

// AccountID is the primary account for submission, falling back to mail.
func (s *Session) AccountID() string {
	if id := s.PrimaryAccounts[CapabilitySubmission]; id != "" {
		return id
	}
	return s.PrimaryAccounts[CapabilityMail]
}

func (s *Session) core() coreCapability {
	c := coreCapability{MaxObjectsInGet: defaultMaxObjectsInGet, MaxCallsInRequest: defaultMaxCallsInRequest}
	if raw, ok := s.Capabilities[CapabilityCore]; ok {
		var parsed coreCapability
		if json.Unmarshal(raw, &parsed) == nil {
			if parsed.MaxObjectsInGet > 0 {
				c.MaxObjectsInGet = parsed.MaxObjectsInGet
			}
			if parsed.MaxCallsInRequest > 0 {
				c.MaxCallsInRequest = parsed.MaxCallsInRequest
			}
		}
	}
	return c
}

// submissionCapabilities reads maxDelayedSend and the FUTURERELEASE extension.
func (s *Session) submissionCapabilities() domain.Capabilities {
	raw, ok := s.Capabilities[CapabilitySubmission]
	if !ok {
		return domain.Capabilities{}
	}
	var sc submissionCapability
	if err := json.Unmarshal(raw, &sc); err != nil {
		return domain.Capabilities{}
	}
	return domain.Capabilities{
		FutureReleaseSupported: hasExtension(sc.SubmissionExtensions, extensionFutureRelease),
		MaxDelayedSend:         time.Duration(sc.MaxDelayedSend) * time.Second,
	}
}

// hasExtension accepts both the RFC 8621 object form and the older list-of-lists form.
func hasExtension(raw json.RawMessage, name string) bool {
	if len(raw) == 0 {
		return false
	}
	var asMap map[string][]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		for k := range asMap {
			if strings.EqualFold(k, name) {
				return true
			}
		}
		return false
	}
	var asList [][]string
	if err := json.Unmarshal(raw, &asList); err == nil {
		for _, ext := range asList {
			if len(ext) > 0 && strings.EqualFold(ext[0], name) {
				return true
			}
		}
	}
	return false
}
