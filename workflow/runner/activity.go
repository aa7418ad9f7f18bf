package runner

import (
	"context"

	"github.com/micromdm/nanowf/workflow"
)

// Func is an activity implemented by a plain function.
type Func struct {
	ActivityName string
	Fn           func(ctx context.Context, ac *ActivityContext) error
}

func (f *Func) Name() string { return f.ActivityName }

func (f *Func) Execute(ctx context.Context, ac *ActivityContext) error {
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, ac)
}

// Await is an activity that creates named bookmarks and idles until
// all of them are resumed. Resumed payloads are recorded as program
// outputs under the bookmark names.
type Await struct {
	ActivityName string
	Names        []string
	Scope        *workflow.BookmarkScope
}

// NewAwait creates an Await activity suspending on names.
func NewAwait(name string, names ...string) *Await {
	return &Await{ActivityName: name, Names: names}
}

func (a *Await) Name() string { return a.ActivityName }

func (a *Await) Execute(_ context.Context, ac *ActivityContext) error {
	for _, name := range a.Names {
		var err error
		if a.Scope != nil {
			_, err = ac.CreateScopedBookmark(name, a.Scope)
		} else {
			_, err = ac.CreateBookmark(name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Await) BookmarkResumed(ac *ActivityContext, bm workflow.Bookmark, value interface{}) error {
	ac.SetOutput(bm.Name(), value)
	return nil
}
