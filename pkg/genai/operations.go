package genai

import (
	"context"
	"strings"

	"github.com/gemcall/gemcall/pkg/httpclient"
	"github.com/gemcall/gemcall/pkg/operations"
)

// Operations returns a poller for long-running operations, authenticated
// and retried the same way as every other call.
func (c *Client) Operations(opts ...RequestOption) *operations.Poller {
	return operations.NewPoller(&operationDoer{client: c, opts: buildOptions(opts)})
}

// operationDoer adapts the client's dispatch pipeline to the poller. path
// is the operation resource name ("operations/abc" on Gemini; Vertex names
// already carry their project/location prefix and pass through the version
// root only).
type operationDoer struct {
	client *Client
	opts   RequestOptions
}

func (d *operationDoer) DoOperation(ctx context.Context, method, path string) (*httpclient.Response, error) {
	p, err := d.client.plan(ctx, d.opts)
	if err != nil {
		return nil, err
	}

	url := d.client.operationURL(p, path)
	resp, res, err := d.client.doUnary(ctx, p, method, url, nil, 0)
	if err != nil {
		return nil, err
	}
	d.client.commit(res, nil)
	return resp, nil
}

// operationURL keeps fully-qualified Vertex operation names ("projects/...")
// off the resource prefix; everything else goes through resourceURL.
func (c *Client) operationURL(p *plan, path string) string {
	if strings.HasPrefix(path, "projects/") {
		return c.baseURL(p) + "/v1/" + path
	}
	return c.resourceURL(p, path)
}
