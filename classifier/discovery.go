package classifier

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ModelDescriptor identifies one installed model. Immutable once
// discovered.
type ModelDescriptor struct {
	ID          string
	DisplayName string
	Kind        Kind
	// WeightsPath is the single weights file found for this model.
	WeightsPath string
	// VocabPath is the tags.json name->index file, or empty when the
	// vocabulary is embedded in the weights file metadata.
	VocabPath string
}

type supportedModel struct {
	displayName string
	kind        Kind
	// weightsExt is the recognized weights file extension for the family.
	weightsExt string
	// vocabFile is the required vocabulary file name; empty means the
	// vocabulary ships inside the weights file metadata.
	vocabFile string
}

// supportedModels is the discovery allow-list. Directory names outside
// it are ignored.
var supportedModels = map[string]supportedModel{
	"JTP_PILOT":  {displayName: "JTP PILOT (SigLIP ViT)", kind: KindJTP2, weightsExt: ".onnx", vocabFile: "tags.json"},
	"JTP_PILOT2": {displayName: "JTP PILOT2 (SigLIP ViT, gated)", kind: KindJTP2, weightsExt: ".onnx", vocabFile: "tags.json"},
	"JTP3":       {displayName: "JTP3 (NAFlex ViT, Hydra)", kind: KindJTP3, weightsExt: ".safetensors"},
}

// DiscoverModels scans root for installed models. A model id is returned
// iff its directory holds the required vocabulary source and exactly one
// weights file with the family's recognized extension. A missing root is
// not an error; it yields an empty list and a warning.
func DiscoverModels(root string) []ModelDescriptor {
	entries, err := os.ReadDir(root)
	if err != nil {
		slog.Warn("models directory not readable, no classifiers available",
			slog.String("dir", root), slog.String("error", err.Error()))
		return nil
	}

	var found []ModelDescriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		spec, ok := supportedModels[id]
		if !ok {
			continue
		}
		dir := filepath.Join(root, id)

		weights, err := findWeightsFile(dir, spec.weightsExt)
		if err != nil {
			slog.Warn("skipping model", slog.String("id", id), slog.String("reason", err.Error()))
			continue
		}

		vocab := ""
		if spec.vocabFile != "" {
			vocab = filepath.Join(dir, spec.vocabFile)
			if _, err := os.Stat(vocab); err != nil {
				slog.Warn("skipping model, vocabulary file missing",
					slog.String("id", id), slog.String("path", vocab))
				continue
			}
		}

		found = append(found, ModelDescriptor{
			ID:          id,
			DisplayName: spec.displayName,
			Kind:        spec.kind,
			WeightsPath: weights,
			VocabPath:   vocab,
		})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found
}

func findWeightsFile(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ext) {
			matches = append(matches, filepath.Join(dir, entry.Name()))
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", &notFoundError{dir: dir, ext: ext}
	default:
		return "", &ambiguousError{dir: dir, ext: ext, n: len(matches)}
	}
}

type notFoundError struct {
	dir, ext string
}

func (e *notFoundError) Error() string {
	return "no " + e.ext + " weights file in " + e.dir
}

type ambiguousError struct {
	dir, ext string
	n        int
}

func (e *ambiguousError) Error() string {
	return "expected exactly one " + e.ext + " weights file in " + e.dir
}
