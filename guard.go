package xdom

import (
	"context"
)

// Unit runs a piece of work on a file under its lock.
//
// The lock is taken in Mode for Owner (or the owner bound to the context,
// or a fresh one). Under a write lock the owner and Doc are bound to the file
// while Start runs. The lock is released however Start returns.
type Unit[T any] struct {
	Owner *Owner
	Mode  LockMode
	Doc   interface{}

	Start func(ctx context.Context) (T, error)
}

func (u Unit[T]) Run(ctx context.Context, p *Paged) (res T, err error) {
	o := u.Owner
	if o == nil {
		o = ownerOf(ctx)
	}

	ctx = WithOwner(ctx, o)

	err = p.lock.Acquire(ctx, o, u.Mode)
	if err != nil {
		p.l.Printw("acquire lock", "file", p.name, "mode", u.Mode, "owner", o, "kind", KindOf(err), "err", err)

		return res, err
	}

	defer p.lock.Release(o, u.Mode)

	if u.Mode == WriteLock {
		powner, pdoc := p.owner, p.doc
		p.owner, p.doc = o, u.Doc

		defer func() {
			p.owner, p.doc = powner, pdoc
		}()
	}

	if p.closed {
		return res, ErrClosed
	}

	if err = terminated(ctx); err != nil {
		return res, err
	}

	return u.Start(ctx)
}

// Read runs f under a read lock of p.
func Read[T any](ctx context.Context, p *Paged, f func(ctx context.Context) (T, error)) (T, error) {
	return Unit[T]{Mode: ReadLock, Start: f}.Run(ctx, p)
}

// Write runs f under a write lock of p.
func Write[T any](ctx context.Context, p *Paged, f func(ctx context.Context) (T, error)) (T, error) {
	return Unit[T]{Mode: WriteLock, Start: f}.Run(ctx, p)
}

// CurrentOwner is the owner of the running write unit, if any.
// It must be called under the file lock.
func (p *Paged) CurrentOwner() *Owner { return p.owner }

// CurrentDoc is the document the running write unit works on.
func (p *Paged) CurrentDoc() interface{} { return p.doc }

type docKey struct{}

// WithDoc binds the document write units work on.
func WithDoc(ctx context.Context, doc interface{}) context.Context {
	return context.WithValue(ctx, docKey{}, doc)
}

func DocFrom(ctx context.Context) interface{} {
	return ctx.Value(docKey{})
}

// writeDoc is Write binding the document from ctx to the file.
func writeDoc[T any](ctx context.Context, p *Paged, f func(ctx context.Context) (T, error)) (T, error) {
	return Unit[T]{Mode: WriteLock, Doc: DocFrom(ctx), Start: f}.Run(ctx, p)
}
