package cli

import (
	"context"
	"fmt"

	"github.com/twoperson/slb/internal/core"
	"github.com/twoperson/slb/internal/db"
)

// AttachmentFlags groups the three attachment-producing flag sets shared by
// `slb run` and `slb request`.
type AttachmentFlags struct {
	// Files are paths whose content is attached verbatim.
	Files []string
	// Contexts are shell commands whose output is captured and attached.
	Contexts []string
	// Screenshots are image file paths attached for visual context.
	Screenshots []string
}

// CollectAttachments loads every attachment named by flags, in file, context,
// then screenshot order.
func CollectAttachments(ctx context.Context, flags AttachmentFlags) ([]db.Attachment, error) {
	cfg := core.DefaultAttachmentConfig()
	var out []db.Attachment

	for _, path := range flags.Files {
		a, err := core.LoadAttachmentFromFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("attaching file %s: %w", path, err)
		}
		out = append(out, *a)
	}

	for _, command := range flags.Contexts {
		a, err := core.RunContextCommand(ctx, command, &cfg)
		if err != nil {
			return nil, fmt.Errorf("attaching context %q: %w", command, err)
		}
		out = append(out, *a)
	}

	for _, path := range flags.Screenshots {
		a, err := core.LoadScreenshot(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("attaching screenshot %s: %w", path, err)
		}
		out = append(out, *a)
	}

	return out, nil
}
