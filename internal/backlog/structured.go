package backlog

import (
	"bytes"
	"context"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/taskloop/internal/errors"
)

// Recognized keys of a structured task entry.
const (
	keyTasks     = "tasks"
	keyTitle     = "title"
	keyCompleted = "completed"
	keyGroup     = "parallel_group"
)

// Structured is a YAML backlog:
//
//	tasks:
//	  - title: Add login form
//	    completed: false
//	    parallel_group: 1
//
// Only title, completed and parallel_group are read. Other keys are ignored
// and survive rewrites. completed is true only for the literal scalar "true".
type Structured struct {
	path string
}

// NewStructured returns a Structured source backed by the document at path.
func NewStructured(path string) *Structured {
	return &Structured{path: path}
}

// Kind implements Source.
func (s *Structured) Kind() Kind { return KindStructured }

// File returns the backing document path.
func (s *Structured) File() string { return s.path }

// structuredDoc keeps the parsed node tree next to the decoded tasks so a
// rewrite can preserve keys this package does not understand.
type structuredDoc struct {
	root  *yaml.Node
	items []*yaml.Node
	tasks []Task
}

func parseStructuredDoc(data []byte) (*structuredDoc, error) {
	doc := &structuredDoc{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, errors.NewBacklogError("parse structured backlog", errors.Join(errors.ErrBacklogMalformed, err)).
			WithSource(string(KindStructured))
	}
	doc.root = &root

	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return doc, nil
	}
	list := mappingValue(root.Content[0], keyTasks)
	if list == nil || list.Kind != yaml.SequenceNode {
		return doc, nil
	}

	for _, item := range list.Content {
		if item.Kind != yaml.MappingNode {
			continue
		}
		title := mappingValue(item, keyTitle)
		if title == nil || title.Kind != yaml.ScalarNode || title.Value == "" {
			continue
		}
		task := Task{Title: title.Value}
		if c := mappingValue(item, keyCompleted); c != nil && c.Kind == yaml.ScalarNode {
			task.Completed = c.Value == "true"
		}
		if g := mappingValue(item, keyGroup); g != nil && g.Kind == yaml.ScalarNode {
			if n, err := strconv.Atoi(g.Value); err == nil {
				task.Group = n
			}
		}
		doc.items = append(doc.items, item)
		doc.tasks = append(doc.tasks, task)
	}
	return doc, nil
}

// mappingValue returns the value node for key in a mapping node.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// ParseStructured decodes a structured backlog document.
func ParseStructured(data []byte) ([]Task, error) {
	doc, err := parseStructuredDoc(data)
	if err != nil {
		return nil, err
	}
	return doc.tasks, nil
}

// EncodeStructured renders tasks as a structured backlog document.
// Group 0 is omitted since it is the default.
func EncodeStructured(tasks []Task) ([]byte, error) {
	list := &yaml.Node{Kind: yaml.SequenceNode}
	for _, t := range tasks {
		item := &yaml.Node{Kind: yaml.MappingNode}
		item.Content = append(item.Content,
			scalar(keyTitle), &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t.Title},
			scalar(keyCompleted), boolNode(t.Completed),
		)
		if t.Group != 0 {
			item.Content = append(item.Content, scalar(keyGroup), &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(t.Group)})
		}
		list.Content = append(list.Content, item)
	}
	root := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{
		Kind:    yaml.MappingNode,
		Content: []*yaml.Node{scalar(keyTasks), list},
	}}}
	return encodeNode(root)
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}

func boolNode(b bool) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(b)}
}

func encodeNode(n *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(n); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Structured) load() (*structuredDoc, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewBacklogError(s.path, errors.ErrBacklogMissing).WithSource(string(KindStructured))
		}
		return nil, errors.NewBacklogError("read structured backlog", err).WithSource(string(KindStructured))
	}
	return parseStructuredDoc(data)
}

// All implements Source.
func (s *Structured) All(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.tasks, nil
}

// Remaining implements Source.
func (s *Structured) Remaining(ctx context.Context) ([]string, error) {
	tasks, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return remainingTitles(tasks), nil
}

// CountRemaining implements Source.
func (s *Structured) CountRemaining(ctx context.Context) (int, error) {
	titles, err := s.Remaining(ctx)
	return len(titles), err
}

// CountCompleted implements Source.
func (s *Structured) CountCompleted(ctx context.Context) (int, error) {
	tasks, err := s.All(ctx)
	if err != nil {
		return 0, err
	}
	return countCompleted(tasks), nil
}

// MarkComplete sets completed: true on the first incomplete entry titled
// title and rewrites the whole document. Edits made by others between the read and
// the write are lost.
func (s *Structured) MarkComplete(ctx context.Context, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, err := s.load()
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(doc.tasks, func(t Task) bool { return !t.Completed && t.Title == title })
	if idx < 0 {
		return errors.NewBacklogError("mark complete", errors.ErrTaskNotFound).
			WithSource(string(KindStructured)).WithTask(title)
	}

	item := doc.items[idx]
	if c := mappingValue(item, keyCompleted); c != nil {
		c.Kind, c.Tag, c.Value, c.Style = yaml.ScalarNode, "!!bool", "true", 0
	} else {
		item.Content = append(item.Content, scalar(keyCompleted), boolNode(true))
	}

	out, err := encodeNode(doc.root)
	if err != nil {
		return errors.NewBacklogError("encode structured backlog", err).WithSource(string(KindStructured))
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return errors.NewBacklogError("stat structured backlog", err).WithSource(string(KindStructured))
	}
	if err := os.WriteFile(s.path, out, info.Mode().Perm()); err != nil {
		return errors.NewBacklogError("write structured backlog", err).WithSource(string(KindStructured)).WithTask(title)
	}
	return nil
}

// SupportsGroups implements Source.
func (s *Structured) SupportsGroups() bool { return true }

// ParallelGroups returns the sorted unique groups that still have
// incomplete tasks. Ungrouped tasks belong to group 0.
func (s *Structured) ParallelGroups(ctx context.Context) ([]int, error) {
	tasks, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return GroupsOf(tasks), nil
}

// TasksByGroup implements Source.
func (s *Structured) TasksByGroup(ctx context.Context, g int) ([]string, error) {
	tasks, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	return TitlesInGroup(tasks, g), nil
}

// TaskBody implements Source. Structured entries carry no body.
func (s *Structured) TaskBody(context.Context, string) (string, error) {
	return "", nil
}

// GroupsOf returns sorted unique group ids of the incomplete tasks.
func GroupsOf(tasks []Task) []int {
	var groups []int
	for _, t := range tasks {
		if !t.Completed {
			groups = append(groups, t.Group)
		}
	}
	slices.Sort(groups)
	return slices.Compact(groups)
}

// TitlesInGroup returns incomplete titles in group g, in backlog order.
func TitlesInGroup(tasks []Task, g int) []string {
	var titles []string
	for _, t := range tasks {
		if !t.Completed && t.Group == g {
			titles = append(titles, t.Title)
		}
	}
	return titles
}

var _ Source = (*Structured)(nil)
