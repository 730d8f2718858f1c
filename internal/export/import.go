package export

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/untoldecay/trellis/internal/index"
	"github.com/untoldecay/trellis/internal/logging"
	"github.com/untoldecay/trellis/internal/storage"
	"github.com/untoldecay/trellis/internal/taskerr"
	"github.com/untoldecay/trellis/internal/types"
)

// Importer restores a snapshot into the store, replacing its contents.
type Importer struct {
	store   storage.Storage
	indexes *index.Coordinator
	log     *logging.Logger
}

// NewImporter constructs an importer. indexes may be nil when no
// in-memory indexes need rebuilding.
func NewImporter(store storage.Storage, indexes *index.Coordinator, log *logging.Logger) *Importer {
	if log == nil {
		log = logging.NewSilent()
	}
	return &Importer{store: store, indexes: indexes, log: log}
}

// Import validates the manifest and checksums, replaces the store
// contents inside one transaction, and rebuilds the indexes.
func (i *Importer) Import(ctx context.Context, dir string) (*Manifest, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksums(dir, manifest); err != nil {
		return nil, err
	}

	tasks, err := readJSONL[*types.Task](filepath.Join(dir, FileTasks))
	if err != nil {
		return nil, err
	}
	knowledge, err := readJSONL[*types.Knowledge](filepath.Join(dir, FileKnowledge))
	if err != nil {
		return nil, err
	}
	deps, err := readJSONL[*types.Dependency](filepath.Join(dir, FileDependencies))
	if err != nil {
		return nil, err
	}
	if len(tasks) != manifest.Counts.Tasks || len(knowledge) != manifest.Counts.Knowledge {
		return nil, taskerr.New(taskerr.KindStorageCorrupt,
			"snapshot contents disagree with manifest counts")
	}

	// Parents before children so hierarchy references resolve as rows
	// land.
	sort.Slice(tasks, func(a, b int) bool {
		da, db := types.PathDepth(tasks[a].Path), types.PathDepth(tasks[b].Path)
		if da != db {
			return da < db
		}
		return tasks[a].Path < tasks[b].Path
	})

	existingTasks, err := allTasks(ctx, i.store)
	if err != nil {
		return nil, err
	}
	existingKnowledge, err := i.store.ListKnowledge(ctx, types.KnowledgeFilter{})
	if err != nil {
		return nil, err
	}

	err = i.store.RunInTransaction(ctx, func(st storage.Transaction) error {
		// Clear current contents, deepest paths first.
		sort.Slice(existingTasks, func(a, b int) bool {
			return types.PathDepth(existingTasks[a].Path) > types.PathDepth(existingTasks[b].Path)
		})
		for _, t := range existingTasks {
			if err := st.DeleteTask(ctx, t.Path, "import"); err != nil {
				return err
			}
		}
		for _, k := range existingKnowledge {
			if err := st.DeleteKnowledge(ctx, k.ID); err != nil {
				return err
			}
		}

		for _, t := range tasks {
			if err := st.CreateTask(ctx, t, "import"); err != nil {
				return err
			}
		}
		for _, k := range knowledge {
			if err := st.CreateKnowledge(ctx, k, "import"); err != nil {
				return err
			}
		}
		// Task rows already carry their dependency edges; the satellite
		// records only restore edges added outside the task documents.
		have := make(map[string]map[string]bool, len(tasks))
		for _, t := range tasks {
			set := make(map[string]bool, len(t.Dependencies))
			for _, d := range t.Dependencies {
				set[types.NormalizePath(d)] = true
			}
			have[types.NormalizePath(t.Path)] = set
		}
		for _, d := range deps {
			if have[types.NormalizePath(d.TaskPath)][types.NormalizePath(d.DependsOn)] {
				continue
			}
			if err := st.AddDependency(ctx, d, "import"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if i.indexes != nil {
		if err := i.indexes.Rebuild(ctx, i.store); err != nil {
			return nil, err
		}
	}
	i.log.Info("snapshot imported", "dir", dir,
		"tasks", len(tasks), "knowledge", len(knowledge))
	return manifest, nil
}

func readManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileManifest))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorageIO, err, "read manifest")
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, taskerr.Wrap(taskerr.KindStorageCorrupt, err, "decode manifest")
	}
	if manifest.Version != ManifestVersion {
		return nil, taskerr.New(taskerr.KindValidation,
			"unsupported snapshot version %d, want %d", manifest.Version, ManifestVersion)
	}
	return &manifest, nil
}

func verifyChecksums(dir string, manifest *Manifest) error {
	for name, want := range manifest.Checksums {
		got, err := checksumFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if got != want {
			return taskerr.New(taskerr.KindStorageCorrupt,
				"checksum mismatch for %s", name)
		}
	}
	return nil
}
