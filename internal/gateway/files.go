// ABOUTME: Attachment staging for inbound messages
// ABOUTME: Sanitizes filenames, resolves collisions, and formats saved-file notes

package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/2389/owork-gateway/internal/channels"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[/\\:*?"<>|;\x00-\x1f]`)
	repeatedUnderscores = regexp.MustCompile(`_+`)
)

// SanitizeFilename makes a platform-supplied filename safe for local
// staging. Unsafe characters collapse to single underscores; a name with
// nothing left becomes "attachment".
func SanitizeFilename(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = repeatedUnderscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_ ")
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}

// StageAttachments writes attachments into dir and returns one note per
// staged file for inclusion in the prompt. Name collisions within the
// directory get a numeric suffix before the extension.
func StageAttachments(dir string, attachments []channels.Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	var notes []string
	for _, att := range attachments {
		name := SanitizeFilename(att.Filename)
		path := resolveCollision(dir, name)
		if err := os.WriteFile(path, att.Data, 0644); err != nil {
			return nil, fmt.Errorf("writing attachment %q: %w", name, err)
		}
		notes = append(notes, fmt.Sprintf("[File '%s' saved to: %s]", filepath.Base(path), path))
	}
	return notes, nil
}

// resolveCollision returns a path under dir that does not exist yet,
// appending _1, _2, ... before the extension as needed
func resolveCollision(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// BuildPrompt combines message text with staged-file notes. Notes are
// joined by blank lines; when both parts are present the notes follow the
// text after a blank line.
func BuildPrompt(text string, notes []string) string {
	joined := strings.Join(notes, "\n\n")
	switch {
	case text == "":
		return joined
	case joined == "":
		return text
	default:
		return text + "\n\n" + joined
	}
}
