package wares

import (
	"encoding/json"
	"net/url"
	"time"
)

// Visibility controls who can see an app in the marketplace.
type Visibility string

const (
	// VisibilityPrivate restricts an app to its owning user.
	VisibilityPrivate Visibility = "private"

	// VisibilityGlobal makes an app available to every user.
	VisibilityGlobal Visibility = "global"
)

// App is a marketplace listing for an installable app. Field shapes
// follow the server's responses; the client never interprets them.
type App struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	Version     string     `json:"version,omitempty"`
	Author      string     `json:"author,omitempty"`
	Type        string     `json:"type,omitempty"` // "local" or "remote"
	Visibility  Visibility `json:"visibility,omitempty"`
	Downloads   int64      `json:"downloads,omitempty"`
	Homepage    string     `json:"homepage,omitempty"`
	Readme      string     `json:"readme,omitempty"` // markdown
	Usage       *Usage     `json:"usage,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Manifest is the packaging descriptor bundled with an app: how it
// runs, how callers authenticate to it, and what tools it exposes.
// The validate tags are enforced locally before uploads (see
// internal/pack); the marketplace revalidates server-side.
type Manifest struct {
	Name        string        `json:"name" validate:"required"`
	Version     string        `json:"version" validate:"required"`
	DisplayName string        `json:"display_name,omitempty"`
	Description string        `json:"description,omitempty"`
	Type        string        `json:"type" validate:"required,oneof=local remote"`
	Author      string        `json:"author,omitempty"`
	License     string        `json:"license,omitempty"`
	Homepage    string        `json:"homepage,omitempty" validate:"omitempty,url"`
	Repository  string        `json:"repository,omitempty"`
	Entry       string        `json:"entry,omitempty"` // local apps: command to execute
	URL         string        `json:"url,omitempty"`   // remote apps: server endpoint
	Visibility  Visibility    `json:"visibility,omitempty" validate:"omitempty,oneof=private global"`
	Auth        *ManifestAuth `json:"auth,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`
}

// ManifestAuth describes how callers authenticate to the app's server.
type ManifestAuth struct {
	Type         string `json:"type" validate:"omitempty,oneof=none api_key oauth"`
	Instructions string `json:"instructions,omitempty"`
}

// Tool describes one tool exposed by an app's server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Server is the tool-server record the marketplace provisions when an
// app is added to an account.
type Server struct {
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name"`
	Transport string            `json:"transport,omitempty"` // "stdio", "http", "sse"
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Usage summarizes recorded traffic for an app.
type Usage struct {
	Requests int64     `json:"requests"`
	Errors   int64     `json:"errors"`
	LastUsed time.Time `json:"last_used"`
}

// Health is the result of probing a deployed app.
type Health struct {
	Healthy bool     `json:"healthy"`
	Latency *float64 `json:"latency,omitempty"` // milliseconds, when the server measured one
	Error   string   `json:"error,omitempty"`
}

// AddResult is the marketplace's response to adding an app to the
// caller's account.
type AddResult struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Server  *Server `json:"server,omitempty"`
}

// Filter narrows list and search operations. Zero fields are left out
// of the query string; values are never validated client-side.
type Filter struct {
	Search     string
	Category   string
	Visibility Visibility
}

// values renders the filter as query parameters. Safe on a nil
// receiver so callers can pass nil for "no filter".
func (f *Filter) values() url.Values {
	v := url.Values{}
	if f == nil {
		return v
	}
	if f.Search != "" {
		v.Set("search", f.Search)
	}
	if f.Category != "" {
		v.Set("category", f.Category)
	}
	if f.Visibility != "" {
		v.Set("visibility", string(f.Visibility))
	}
	return v
}
