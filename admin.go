package gitcord

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/bobg/mid"
	"github.com/pkg/errors"
)

type AdminCmd struct {
	Key  string `json:"key"`
	Name string `json:"name"`

	// Mapping is the argument of add-mapping.
	Mapping *Mapping `json:"mapping,omitempty"`

	// MappingID is the argument of remove-mapping, reset-errors, and reconcile.
	// An empty MappingID means all mappings for reset-errors and reconcile.
	MappingID string `json:"mapping_id,omitempty"`
}

type AdminResult struct {
	Mappings []Mapping `json:"mappings,omitempty"`
}

// OnAdmin handles admin commands.
// The shutdown command calls shutdown, which must be safe to call more than once.
func (s *Service) OnAdmin(shutdown func()) func(context.Context, AdminCmd) (*AdminResult, error) {
	return func(ctx context.Context, cmd AdminCmd) (*AdminResult, error) {
		if s.AdminKey == "" || subtle.ConstantTimeCompare([]byte(cmd.Key), []byte(s.AdminKey)) != 1 {
			return nil, mid.CodeErr{C: http.StatusUnauthorized}
		}
		s.logger().Info("Admin command", "name", cmd.Name, "mapping", cmd.MappingID)

		switch cmd.Name {
		case "add-mapping":
			if cmd.Mapping == nil {
				return nil, mid.CodeErr{C: http.StatusBadRequest, Err: errors.New("add-mapping needs a mapping")}
			}
			if err := s.AddMapping(ctx, *cmd.Mapping); errors.Is(err, ErrInvalidMapping) {
				return nil, mid.CodeErr{C: http.StatusBadRequest, Err: err}
			} else if err != nil {
				return nil, mid.CodeErr{C: http.StatusInternalServerError, Err: err}
			}
			if cmd.Mapping.Enabled {
				go s.Reconcile(context.WithoutCancel(ctx), cmd.Mapping.ID)
			}
			return &AdminResult{}, nil

		case "remove-mapping":
			err := s.RemoveMapping(ctx, cmd.MappingID)
			if errors.Is(err, ErrNotFound) {
				return nil, mid.CodeErr{C: http.StatusNotFound, Err: err}
			}
			return &AdminResult{}, err

		case "list-mappings":
			var result AdminResult
			for _, m := range s.Registry.Mappings() {
				result.Mappings = append(result.Mappings, m.redacted())
			}
			return &result, nil

		case "reset-errors":
			for _, id := range s.mappingIDs(cmd.MappingID) {
				s.ResetErrors(id)
			}
			return &AdminResult{}, nil

		case "reconcile":
			for _, id := range s.mappingIDs(cmd.MappingID) {
				if err := s.Reconcile(ctx, id); err != nil {
					return nil, errors.Wrapf(err, "reconciling mapping %s", id)
				}
			}
			return &AdminResult{}, nil

		case "shutdown":
			// In a goroutine so this handler can finish,
			// which the HTTP server's Shutdown waits for.
			go shutdown()
			return &AdminResult{}, nil
		}

		return nil, mid.CodeErr{
			C:   http.StatusBadRequest,
			Err: errors.Errorf("unknown admin command %s", cmd.Name),
		}
	}
}

func (s *Service) mappingIDs(id string) []string {
	if id != "" {
		return []string{id}
	}
	var ids []string
	for _, m := range s.Registry.Enabled() {
		ids = append(ids, m.ID)
	}
	return ids
}

func (m Mapping) redacted() Mapping {
	if m.WebhookSecret != "" {
		m.WebhookSecret = "REDACTED"
	}
	if m.Options != nil {
		o := *m.Options
		if o.GithubToken != "" {
			o.GithubToken = "REDACTED"
		}
		m.Options = &o
	}
	return m
}
