package castore

import (
	"context"
	"fmt"
)

// DiffIter invokes the given callback for every row that was added to s, or removed from it,
// relative to old. A nil old is an empty store. Tables whose hashes are the same in both
// versions are skipped without being loaded. The iteration will stop if the callback returns
// keepGoing==false or an error.
func (s *PersistedStore) DiffIter(
	ctx context.Context,
	old *PersistedStore,
	f func(added, removed bool, table string, row Row) (bool, error),
) error {
	return s.diff(ctx, old, f, nil)
}

// DiffLinks invokes the given callback for every blob, table or manifest, that s refers to
// and old does not (removed==false), or the other way around (removed==true). Copying the
// added blobs to another Persist that already holds old's blobs makes s loadable there.
func (s *PersistedStore) DiffLinks(
	ctx context.Context,
	old *PersistedStore,
	f func(removed bool, link string) (bool, error),
) error {
	return s.diff(ctx, old, nil, f)
}

// snapshot returns the current version. Published catalogs are never
// modified, so the result can be used without holding the lock.
func (s *PersistedStore) snapshot(ctx context.Context) (*string, *catalog, error) {
	if err := s.Ready(ctx); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link, s.cat, nil
}

func (s *PersistedStore) diff(
	ctx context.Context,
	old *PersistedStore,
	rowCb func(added, removed bool, table string, row Row) (bool, error),
	linkCb func(removed bool, link string) (bool, error),
) error {
	newLink, newCat, err := s.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("new: %w", err)
	}
	var oldLink *string
	oldCat := newCatalog()
	if old != nil {
		oldLink, oldCat, err = old.snapshot(ctx)
		if err != nil {
			return fmt.Errorf("old: %w", err)
		}
	}
	if linkCb != nil {
		return diffLinks(newLink, newCat, oldLink, oldCat, linkCb)
	}
	for _, ne := range newCat.entries {
		oe, inOld := oldCat.get(ne.Name)
		if inOld && oe.Hash == ne.Hash {
			continue
		}
		nt, err := s.loadTable(ctx, ne)
		if err != nil {
			return fmt.Errorf("load %s: %w", ne.Name, err)
		}
		var ot *Table
		if inOld {
			ot, err = old.loadTable(ctx, oe)
			if err != nil {
				return fmt.Errorf("load old %s: %w", oe.Name, err)
			}
		}
		keepGoing, err := diffRows(ne.Name, nt, ot, rowCb)
		if err != nil || !keepGoing {
			return err
		}
	}
	for _, oe := range oldCat.entries {
		if _, inNew := newCat.get(oe.Name); inNew {
			continue
		}
		ot, err := old.loadTable(ctx, oe)
		if err != nil {
			return fmt.Errorf("load old %s: %w", oe.Name, err)
		}
		keepGoing, err := diffRows(oe.Name, nil, ot, rowCb)
		if err != nil || !keepGoing {
			return err
		}
	}
	return nil
}

// diffRows reports the rows of nt missing from ot as added, then the
// rows of ot missing from nt as removed. A type change makes every row
// differ.
func diffRows(name string, nt, ot *Table, f func(added, removed bool, table string, row Row) (bool, error)) (bool, error) {
	if nt != nil && ot != nil && nt.Type != ot.Type {
		keepGoing, err := diffRows(name, nt, nil, f)
		if err != nil || !keepGoing {
			return keepGoing, err
		}
		return diffRows(name, nil, ot, f)
	}
	inNew := map[string]struct{}{}
	inOld := map[string]struct{}{}
	if nt != nil {
		for _, r := range nt.Rows {
			inNew[r.Hash] = struct{}{}
		}
	}
	if ot != nil {
		for _, r := range ot.Rows {
			inOld[r.Hash] = struct{}{}
		}
	}
	if nt != nil {
		for _, r := range nt.Rows {
			if _, ok := inOld[r.Hash]; ok {
				continue
			}
			keepGoing, err := f(true, false, name, r.clone())
			if err != nil {
				return false, fmt.Errorf("callback: %w", err)
			}
			if !keepGoing {
				return false, nil
			}
		}
	}
	if ot != nil {
		for _, r := range ot.Rows {
			if _, ok := inNew[r.Hash]; ok {
				continue
			}
			keepGoing, err := f(false, true, name, r.clone())
			if err != nil {
				return false, fmt.Errorf("callback: %w", err)
			}
			if !keepGoing {
				return false, nil
			}
		}
	}
	return true, nil
}

func diffLinks(newLink *string, newCat *catalog, oldLink *string, oldCat *catalog, f func(removed bool, link string) (bool, error)) error {
	links := func(link *string, c *catalog) ([]string, map[string]struct{}) {
		var ordered []string
		set := map[string]struct{}{}
		if link != nil {
			ordered = append(ordered, *link)
			set[*link] = struct{}{}
		}
		for _, e := range c.entries {
			if _, already := set[e.Link]; already || e.Link == "" {
				continue
			}
			ordered = append(ordered, e.Link)
			set[e.Link] = struct{}{}
		}
		return ordered, set
	}
	newOrdered, newSet := links(newLink, newCat)
	oldOrdered, oldSet := links(oldLink, oldCat)
	for _, l := range newOrdered {
		if _, ok := oldSet[l]; ok {
			continue
		}
		keepGoing, err := f(false, l)
		if err != nil {
			return fmt.Errorf("callback: %w", err)
		}
		if !keepGoing {
			return nil
		}
	}
	for _, l := range oldOrdered {
		if _, ok := newSet[l]; ok {
			continue
		}
		keepGoing, err := f(true, l)
		if err != nil {
			return fmt.Errorf("callback: %w", err)
		}
		if !keepGoing {
			return nil
		}
	}
	return nil
}
