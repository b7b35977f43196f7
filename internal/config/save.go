// Configuration persistence. Section updates go through yaml.Node so
// comments and formatting in the rest of the file survive a save.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SaveQueue updates the queue section in the config file.
func SaveQueue(configPath string, q QueueConfig) error {
	return saveSection(configPath, "queue", buildQueueNode(q))
}

// SaveAdapter updates the adapter section in the config file.
func SaveAdapter(configPath string, a AdapterConfig) error {
	return saveSection(configPath, "adapter", buildAdapterNode(a))
}

// SaveTracing updates the tracing section in the config file.
func SaveTracing(configPath string, t TracingConfig) error {
	return saveSection(configPath, "tracing", buildTracingNode(t))
}

// saveSection replaces one top-level section, preserving comments and
// formatting everywhere else by editing the yaml.Node tree in place.
func saveSection(configPath, key string, sectionNode *yaml.Node) error {
	// Read existing file content
	data, err := os.ReadFile(configPath) //nolint:gosec // G304: path comes from the CLI flag
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// Update or create the section
	if doc.Kind == 0 {
		// Empty or new file - create document structure
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: key},
						sectionNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			// Find and replace the key, or append it
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == key {
					root.Content[i+1] = sectionNode
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: key},
					sectionNode,
				)
			}
		}
	}

	// Marshal back to YAML
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	// Write atomically (write to temp, then rename)
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".legion.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

func buildQueueNode(q QueueConfig) *yaml.Node {
	return mappingNode(
		scalar("poll_interval"), scalar(q.PollInterval.String()),
		scalar("active_timeout"), scalar(q.ActiveTimeout.String()),
		scalar("min_wait_seconds"), scalar(strconv.Itoa(q.MinWaitSeconds)),
		scalar("min_idle_seconds"), scalar(strconv.Itoa(q.MinIdleSeconds)),
	)
}

func buildAdapterNode(a AdapterConfig) *yaml.Node {
	content := []*yaml.Node{
		scalar("type"), scalar(a.Type),
		scalar("model"), scalar(a.Model),
	}
	if a.PermissionMode != "" {
		content = append(content, scalar("permission_mode"), scalar(a.PermissionMode))
	}
	return mappingNode(content...)
}

func buildTracingNode(t TracingConfig) *yaml.Node {
	content := []*yaml.Node{
		scalar("enabled"), scalar(strconv.FormatBool(t.Enabled)),
		scalar("exporter"), scalar(t.Exporter),
	}
	if t.FilePath != "" {
		content = append(content, scalar("file_path"), scalar(t.FilePath))
	}
	if t.OTLPEndpoint != "" {
		content = append(content, scalar("otlp_endpoint"), scalar(t.OTLPEndpoint))
	}
	content = append(content, scalar("sample_rate"),
		scalar(strconv.FormatFloat(t.SampleRate, 'g', -1, 64)))
	return mappingNode(content...)
}

func mappingNode(content ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Content: content}
}

func scalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: value}
}
