package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// Neo4j JSON export format, as written by apoc.export.json.all with
// jsonFormat 'JSON'.
type exportFile struct {
	Nodes         []exportNode `json:"nodes"`
	Relationships []exportRel  `json:"relationships"`
}

type exportNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties,omitempty"`
}

type exportRef struct {
	ID string `json:"id"`
}

type exportRel struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	Start      exportRef      `json:"start"`
	End        exportRef      `json:"end"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Load adds the nodes and relationships of a JSON export to the graph.
// Numbers are kept as int64 where they are integral, float64 otherwise.
func (m *MemoryEngine) Load(r io.Reader) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var file exportFile
	if err := dec.Decode(&file); err != nil {
		return fmt.Errorf("decode export: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	for _, n := range file.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidID)
		}
		if _, exists := m.nodes[NodeID(n.ID)]; exists {
			return fmt.Errorf("%w: node %s", ErrAlreadyExists, n.ID)
		}
		m.createNodeLocked(&Node{ID: NodeID(n.ID), Labels: n.Labels, Properties: normalizeProps(n.Properties)})
	}
	for _, rel := range file.Relationships {
		if rel.Type == "" {
			return fmt.Errorf("%w: relationship without type", ErrInvalidData)
		}
		if _, exists := m.nodes[NodeID(rel.Start.ID)]; !exists {
			return fmt.Errorf("%w: relationship start %s", ErrNotFound, rel.Start.ID)
		}
		if _, exists := m.nodes[NodeID(rel.End.ID)]; !exists {
			return fmt.Errorf("%w: relationship end %s", ErrNotFound, rel.End.ID)
		}
		if rel.ID != "" {
			if _, exists := m.edges[EdgeID(rel.ID)]; exists {
				return fmt.Errorf("%w: relationship %s", ErrAlreadyExists, rel.ID)
			}
		}
		m.createEdgeLocked(&Edge{
			ID:         EdgeID(rel.ID),
			StartNode:  NodeID(rel.Start.ID),
			EndNode:    NodeID(rel.End.ID),
			Type:       rel.Type,
			Properties: normalizeProps(rel.Properties),
		})
	}
	return nil
}

// Export writes the whole graph as a JSON export, ordered by id.
func (m *MemoryEngine) Export(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStorageClosed
	}

	file := exportFile{
		Nodes:         make([]exportNode, 0, len(m.nodes)),
		Relationships: make([]exportRel, 0, len(m.edges)),
	}
	for _, n := range m.nodes {
		file.Nodes = append(file.Nodes, exportNode{ID: string(n.ID), Labels: n.Labels, Properties: n.Properties})
	}
	for _, e := range m.edges {
		file.Relationships = append(file.Relationships, exportRel{
			ID:         string(e.ID),
			Type:       e.Type,
			Start:      exportRef{ID: string(e.StartNode)},
			End:        exportRef{ID: string(e.EndNode)},
			Properties: e.Properties,
		})
	}
	sort.Slice(file.Nodes, func(i, j int) bool { return file.Nodes[i].ID < file.Nodes[j].ID })
	sort.Slice(file.Relationships, func(i, j int) bool { return file.Relationships[i].ID < file.Relationships[j].ID })

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(file)
}

// LoadFromNeo4jExport loads a JSON export file into m.
func LoadFromNeo4jExport(m *MemoryEngine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.Load(f)
}

// SaveNeo4jExport writes m to path.
func SaveNeo4jExport(m *MemoryEngine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.Export(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func normalizeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		return normalizeProps(x)
	}
	return v
}
