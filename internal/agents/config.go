package agents

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/nexus/pkg/models"
)

// catalogFile is the on-disk shape of an agent catalog config file.
type catalogFile struct {
	Agents []*models.CatalogAgent `yaml:"agents"`
}

// LoadCatalogFile reads a YAML agent catalog config and registers every
// entry into cat, overriding built-ins with the same slug.
func LoadCatalogFile(path string, cat *Catalog) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read agent catalog %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decode agent catalog %s: %w", path, err)
	}
	for _, a := range file.Agents {
		if a.Slug == "" {
			return fmt.Errorf("agent catalog %s: entry with empty slug", path)
		}
		cat.Register(a)
	}
	return nil
}
