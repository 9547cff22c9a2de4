package humanize

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/mimicproxy/internal/types"
)

// FileInputSelector matches every element files can be assigned to.
const FileInputSelector = `input[type="file"]`

// SetFileInputs assigns paths to the page's file inputs in document order,
// one path per input. It fails if the page has no file input or fewer
// inputs than paths.
func SetFileInputs(ctx context.Context, page *rod.Page, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	inputs, err := page.Context(ctx).Elements(FileInputSelector)
	if err != nil {
		return fmt.Errorf("query file inputs: %w", err)
	}
	if err := checkFileInputs(len(inputs), len(paths)); err != nil {
		return err
	}

	for i, path := range paths {
		if err := inputs[i].SetFiles([]string{path}); err != nil {
			return fmt.Errorf("set file input %d: %w", i, err)
		}
	}

	log.Debug().Int("files", len(paths)).Int("inputs", len(inputs)).Msg("File inputs assigned")
	return nil
}

func checkFileInputs(inputs, paths int) error {
	if inputs == 0 {
		return types.Errorf(types.KindFileInputNotFound, "set_files", "page has no file input")
	}
	if paths > inputs {
		return types.Errorf(types.KindFileInputNotFound, "set_files",
			"%d upload files but only %d file inputs", paths, inputs)
	}
	return nil
}
