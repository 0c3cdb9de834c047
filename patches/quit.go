package patches

import (
	"github.com/pgaskin/ckpe/host"
	"github.com/pgaskin/ckpe/module"
	"github.com/pgaskin/ckpe/patchlib"
	"github.com/pgaskin/ckpe/relocdb"
)

// QuitHandler makes the editor exit immediately instead of tearing down every
// subsystem.
type QuitHandler struct {
	module.Base
	target   uintptr
	variants module.Variants
}

// NewQuitHandler creates the Quit Handler module.
func NewQuitHandler(opts Options) *QuitHandler {
	q := &QuitHandler{
		Base:   module.Base{ModuleName: "Quit Handler"},
		target: opts.Targets.Quit,
	}
	q.variants = module.Variants{
		1: {Addresses: 1, Activate: q.activateV1},
		2: {Addresses: 3, Activate: q.activateV2},
	}
	return q
}

func (q *QuitHandler) Query(host.Host) bool {
	return true
}

func (q *QuitHandler) Activate(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := need("Quit", q.target); err != nil {
		return err
	}
	return q.variants.Activate(r, item)
}

// activateV1 redirects every listed call site.
func (q *QuitHandler) activateV1(r *patchlib.Relocator, item *relocdb.Item) error {
	for i := 0; i < item.Count(); i++ {
		if err := r.DetourCall(item.At(i), q.target); err != nil {
			return err
		}
	}
	return nil
}

// activateV2 redirects two call sites and removes the resource cleanup which
// follows them.
func (q *QuitHandler) activateV2(r *patchlib.Relocator, item *relocdb.Item) error {
	if err := r.DetourCall(item.At(0), q.target); err != nil {
		return err
	}
	if err := r.DetourCall(item.At(1), q.target); err != nil {
		return err
	}
	return r.PatchNop(item.At(2), 0x3FC)
}
