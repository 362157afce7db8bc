package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/zkpool/coordinator/internal/util"
)

// templateCache is the single-slot holder for the current block
// template (§4.C). Handlers read the current pointer once and use that
// snapshot for the rest of the request; a refresh builds the new
// template without holding the lock and takes the write lock only to
// swap the pointer.
type templateCache struct {
	mu      sync.RWMutex
	current *BlockTemplate

	reader LedgerReader
	mempool Mempool
}

func newTemplateCache(reader LedgerReader, mempool Mempool) *templateCache {
	return &templateCache{reader: reader, mempool: mempool}
}

// get returns the current template, or nil if none has been built yet.
func (c *templateCache) get() *BlockTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// refresh asks the ledger reader to build a new template for recipient
// against the current mempool snapshot, and replaces the stored
// template on success.
func (c *templateCache) refresh(ctx context.Context, recipient WorkerAddress) error {
	snapshot, err := c.mempool.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("template refresh: mempool snapshot: %w", err)
	}

	tmpl, err := c.reader.PrepareBlockTemplate(ctx, recipient, snapshot)
	if err != nil {
		return fmt.Errorf("template refresh: %w", err)
	}

	c.mu.Lock()
	c.current = tmpl
	c.mu.Unlock()

	util.Debugf("New template %s at height %d, diff %d", templateID(tmpl), tmpl.Height, tmpl.DifficultyTarget)
	return nil
}

// templateID derives a short, stable identifier for a template for
// logging, the way a job ID is derived from a header in a stratum
// pool; it carries no protocol meaning here.
func templateID(t *BlockTemplate) string {
	if t == nil {
		return ""
	}
	h := blake3.New()
	h.Write(t.PreviousHash)
	h.Write(t.Payload)
	sum := h.Sum(nil)
	if len(sum) > 8 {
		sum = sum[:8]
	}
	return fmt.Sprintf("%x", sum)
}
