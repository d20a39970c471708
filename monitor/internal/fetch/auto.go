package fetch

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/pagewatch/extract"
)

// Auto fetches over HTTP and re-fetches with the browser when the HTTP body
// is an HTML shell without enough server-rendered text, or when HTTP was
// answered with a bot challenge.
type Auto struct {
	HTTP    Fetcher
	Browser Fetcher // nil disables the fallback
	Logger  *slog.Logger
}

// Fetch implements Fetcher.
func (a *Auto) Fetch(ctx context.Context, url string) (*Result, error) {
	res, err := a.HTTP.Fetch(ctx, url)
	if a.Browser == nil {
		return res, err
	}
	switch {
	case err != nil:
		fe, ok := AsError(err)
		if !ok || fe.Kind != KindBlocked {
			return nil, err
		}
	case !isHTML(res.ContentType) || extract.IsSufficient(res.Body):
		return res, nil
	}
	a.logger().Debug("fetch: falling back to browser", "url", url, "http_error", err)
	bres, berr := a.Browser.Fetch(ctx, url)
	if berr != nil {
		if res != nil {
			return res, nil
		}
		return nil, berr
	}
	return bres, nil
}

func (a *Auto) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
