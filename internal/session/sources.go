package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"

	"github.com/telnet2/go-practice/agentstream/pkg/types"
)

// ResolveSources fills in the document id of sources that only carry a
// title, so they can be linked to the document viewer. Sources the API does
// not know are returned unchanged. The input slice is not modified.
func (c *Client) ResolveSources(ctx context.Context, refs []types.SourceRef) ([]types.SourceRef, error) {
	out := slices.Clone(refs)
	for i, ref := range out {
		if ref.DocumentID != "" || ref.Title == "" {
			continue
		}
		var doc struct {
			ID string `json:"id"`
		}
		err := c.do(ctx, http.MethodGet, "/api/documents/lookup?title="+url.QueryEscape(ref.Title), nil, &doc)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return refs, err
		}
		out[i].DocumentID = doc.ID
	}
	return out, nil
}
