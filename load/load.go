// Package load dispatches a user-supplied target, local file or URL, to
// the format adapter that can normalize it.
package load

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wustho/epy/ebook"
	"github.com/wustho/epy/epub"
	"github.com/wustho/epy/fb2"
	"github.com/wustho/epy/mobi"
	"github.com/wustho/epy/web"
)

// Options tune adapter behavior that is not derivable from the target.
type Options struct {
	WebTimeout time.Duration
}

// Document detects the target's format and parses it into the normalized
// model. Detection is content-based for local files; the extension only
// breaks ties.
func Document(ctx context.Context, target string, opt Options, log *zap.Logger) (*ebook.Document, error) {
	kind, err := ebook.Detect(target)
	if err != nil {
		return nil, err
	}
	switch kind {
	case ebook.Remote:
		return web.Fetch(ctx, target, opt.WebTimeout, log)
	case ebook.Epub:
		return epub.Parse(target, log)
	case ebook.FictionBook:
		return fb2.Parse(target, log)
	case ebook.LegacyBinary, ebook.Kf8Binary:
		return mobi.Parse(target, log)
	default:
		return nil, &ebook.FormatError{
			Kind: ebook.UnsupportedFeature,
			Err:  fmt.Errorf("cannot determine ebook format of %q", target),
		}
	}
}
