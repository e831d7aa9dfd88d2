// Package registry loads extraction templates from files and seeds a
// template store with them.
package registry

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/spec-extractor/internal/model"
	"github.com/sells-group/spec-extractor/internal/store"
)

//go:embed seeds/*.yaml
var seedFS embed.FS

// DefaultTemplates returns the built-in seed templates sorted by templateId.
func DefaultTemplates() ([]model.Template, error) {
	paths, err := fs.Glob(seedFS, "seeds/*.yaml")
	if err != nil {
		return nil, eris.Wrap(err, "registry: list seeds")
	}
	sort.Strings(paths)

	var out []model.Template
	for _, p := range paths {
		data, err := seedFS.ReadFile(p)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: read seed %s", p)
		}
		ts, err := decode(data, false)
		if err != nil {
			return nil, eris.Wrapf(err, "registry: decode seed %s", p)
		}
		out = append(out, ts...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

// LoadTemplatesFromFile reads one template or a list of templates from a
// JSON or YAML file. The format follows the extension; anything other than
// .json is read as YAML. Loaded templates are active unless the file says
// otherwise.
func LoadTemplatesFromFile(path string) ([]model.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read template file")
	}
	isJSON := strings.EqualFold(filepath.Ext(path), ".json")
	ts, err := decode(data, isJSON)
	if err != nil {
		return nil, eris.Wrapf(err, "registry: decode %s", filepath.Base(path))
	}
	return ts, nil
}

func decode(data []byte, isJSON bool) ([]model.Template, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, eris.New("empty template file")
	}

	var (
		list      []model.Template
		activeSet []bool
		err       error
	)
	if isJSON {
		list, activeSet, err = decodeJSON(trimmed)
	} else {
		list, activeSet, err = decodeYAML(trimmed)
	}
	if err != nil {
		return nil, err
	}

	for i := range list {
		if !activeSet[i] {
			list[i].IsActive = true
		}
		if list[i].CreatedBy == "" {
			list[i].CreatedBy = model.CreatedByManual
		}
	}
	return list, nil
}

func decodeJSON(data []byte) ([]model.Template, []bool, error) {
	if data[0] != '[' {
		data = append(append([]byte{'['}, data...), ']')
	}
	var list []model.Template
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, nil, err
	}
	var keys []map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, nil, err
	}

	activeSet := make([]bool, len(list))
	for i := range keys {
		_, activeSet[i] = keys[i]["isActive"]
	}
	return list, activeSet, nil
}

func decodeYAML(data []byte) ([]model.Template, []bool, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil, eris.New("empty template file")
	}

	items := []*yaml.Node{doc.Content[0]}
	if doc.Content[0].Kind == yaml.SequenceNode {
		items = doc.Content[0].Content
	}

	list := make([]model.Template, len(items))
	activeSet := make([]bool, len(items))
	for i, n := range items {
		if err := n.Decode(&list[i]); err != nil {
			return nil, nil, err
		}
		activeSet[i] = hasKey(n, "isActive")
	}
	return list, activeSet, nil
}

func hasKey(n *yaml.Node, key string) bool {
	if n.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

// SeedResult counts the outcome of Seed.
type SeedResult struct {
	Created []string
	Skipped []string
}

// Seed creates each template in the store. Templates whose id already
// exists are skipped; any other failure stops seeding.
func Seed(ctx context.Context, st store.TemplateStore, templates []model.Template) (SeedResult, error) {
	var res SeedResult
	for _, t := range templates {
		created, err := st.CreateTemplate(ctx, t)
		switch {
		case err == nil:
			res.Created = append(res.Created, created.TemplateID)
			zap.L().Info("registry: template seeded",
				zap.String("template_id", created.TemplateID),
				zap.String("component_type", created.ComponentType),
			)
		case model.IsKind(err, model.KindConflict):
			res.Skipped = append(res.Skipped, t.TemplateID)
			zap.L().Debug("registry: template exists, skipping", zap.String("template_id", t.TemplateID))
		default:
			return res, eris.Wrapf(err, "registry: seed %s", t.TemplateID)
		}
	}
	return res, nil
}
