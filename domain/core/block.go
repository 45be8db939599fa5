package core

import "time"

// SharedBlock is a named, versioned shared memory cell acting as cross-agent
// working memory. At most one live cell exists per name; its id is the
// deterministic hash of the name, so concurrent writers converge on the same
// point and the version is monotonically increasing.
type SharedBlock struct {
	Name       string         `json:"name"`
	Content    string         `json:"content"`
	Version    int            `json:"version"`
	LastWriter string         `json:"last_writer"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// BlockFromCell projects a shared-block cell back into block form.
func BlockFromCell(c *MemoryCell) *SharedBlock {
	return &SharedBlock{
		Name:       c.BlockName,
		Content:    c.Content,
		Version:    c.BlockVersion,
		LastWriter: c.LastWriter,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		Metadata:   c.Metadata,
	}
}
