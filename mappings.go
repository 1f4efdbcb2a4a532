package gitcord

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MappingStore is a persistent store for the list of configured mappings.
// Save replaces the whole list.
// Implementations keep a backup of the previous list
// and guard concurrent writers.
type MappingStore interface {
	Load(context.Context) ([]Mapping, error)
	Save(context.Context, []Mapping) error
}

// MappingBackup is implemented by mapping stores
// that can return the list as it was before the last Save.
type MappingBackup interface {
	Backup(context.Context) ([]Mapping, error)
}

// ErrInvalidMapping is wrapped by errors about malformed or duplicate mappings.
var ErrInvalidMapping = errors.New("invalid mapping")

func invalidMapping(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidMapping, err)
}

// Mapping pairs one GitHub repository with one Discord forum channel.
// It is the unit of tenancy.
type Mapping struct {
	ID            string          `yaml:"id" json:"id"`
	ChannelID     string          `yaml:"channel_id" json:"channel_id"`
	Repository    Repository      `yaml:"repository" json:"repository"`
	WebhookSecret string          `yaml:"webhook_secret,omitempty" json:"webhook_secret,omitempty"`
	Enabled       bool            `yaml:"enabled" json:"enabled"`
	Options       *MappingOptions `yaml:"options,omitempty" json:"options,omitempty"`
}

type Repository struct {
	Owner string `yaml:"owner" json:"owner"`
	Name  string `yaml:"name" json:"name"`
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

func (r Repository) key() string {
	return strings.ToLower(r.String())
}

// MappingOptions holds optional per-mapping settings.
// Credential fields left empty fall back to the service-wide defaults.
type MappingOptions struct {
	GithubToken          string `yaml:"github_token,omitempty" json:"github_token,omitempty"`
	GithubAppID          int64  `yaml:"github_app_id,omitempty" json:"github_app_id,omitempty"`
	GithubInstallationID int64  `yaml:"github_installation_id,omitempty" json:"github_installation_id,omitempty"`
	GithubPrivateKeyFile string `yaml:"github_private_key_file,omitempty" json:"github_private_key_file,omitempty"`
	GithubAPIURL         string `yaml:"github_api_url,omitempty" json:"github_api_url,omitempty"`
	GithubUploadURL      string `yaml:"github_upload_url,omitempty" json:"github_upload_url,omitempty"`
	DisableTagSync       bool   `yaml:"disable_tag_sync,omitempty" json:"disable_tag_sync,omitempty"`
}

func (m Mapping) tagSync() bool {
	return m.Options == nil || !m.Options.DisableTagSync
}

// Validate reports the first missing required field.
func (m Mapping) Validate() error {
	switch {
	case m.ID == "":
		return errors.New("mapping has no id")
	case m.ChannelID == "":
		return errors.Errorf("mapping %s has no channel_id", m.ID)
	case m.Repository.Owner == "":
		return errors.Errorf("mapping %s has no repository owner", m.ID)
	case m.Repository.Name == "":
		return errors.Errorf("mapping %s has no repository name", m.ID)
	}
	return nil
}

// ValidateMappings checks every mapping and rejects duplicate ids.
// Channel and repository collisions are not errors;
// the registry warns about them.
func ValidateMappings(mappings []Mapping) error {
	seen := make(map[string]bool)
	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.ID] {
			return errors.Errorf("duplicate mapping id %s", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// Credentials are the resolved GitHub credentials for one mapping.
type Credentials struct {
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyFile string
	APIURL         string
	UploadURL      string
}

func (c Credentials) merge(o *MappingOptions) Credentials {
	if o == nil {
		return c
	}
	if o.GithubToken != "" {
		c.Token = o.GithubToken
		c.AppID, c.InstallationID, c.PrivateKeyFile = 0, 0, ""
	}
	if o.GithubAppID != 0 {
		c.AppID = o.GithubAppID
		c.Token = ""
	}
	if o.GithubInstallationID != 0 {
		c.InstallationID = o.GithubInstallationID
	}
	if o.GithubPrivateKeyFile != "" {
		c.PrivateKeyFile = o.GithubPrivateKeyFile
	}
	if o.GithubAPIURL != "" {
		c.APIURL = o.GithubAPIURL
	}
	if o.GithubUploadURL != "" {
		c.UploadURL = o.GithubUploadURL
	}
	return c
}
