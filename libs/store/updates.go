package store

import (
	"context"
	"errors"
	"fmt"

	"urbanlens/libs/issues"
	"urbanlens/libs/remote"
)

// editable is the part of an issue the remote service accepts in a PATCH.
type editable struct {
	solved   bool
	location *issues.Location
}

func editableOf(issue issues.Issue) editable {
	out := editable{solved: issue.Solved}
	if issue.Location != nil {
		loc := *issue.Location
		out.location = &loc
	}
	return out
}

func (e editable) equal(other editable) bool {
	if e.solved != other.solved {
		return false
	}
	if e.location == nil || other.location == nil {
		return e.location == nil && other.location == nil
	}
	return *e.location == *other.location
}

func (e editable) patch() remote.IssuePatch {
	solved := e.solved
	return remote.IssuePatch{Solved: &solved, Location: e.location}
}

// ApplyUpdates is the single merge point for user edits. Each updated issue
// replaces the matching entry immediately; ids not in the collection are
// ignored. Solved and location changes of local issues are copied back onto
// their analyzed image. Persisted issues are written to the server in the
// background, with at most one request in flight per id.
func (s *Store) ApplyUpdates(updated ...issues.Issue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updated {
		idx := s.indexOf(u.ID)
		if idx < 0 {
			continue
		}
		before := editableOf(s.issues[idx])
		s.issues[idx] = u.Clone()
		s.versions[u.ID]++

		if u.ID.IsLocal() {
			s.backPropagateLocked(u)
			continue
		}
		if _, inFlight := s.pending[u.ID]; inFlight {
			continue
		}
		s.pending[u.ID] = struct{}{}
		s.wg.Add(1)
		go s.runPatch(u.ID, before, editableOf(u), s.versions[u.ID])
	}
}

func (s *Store) backPropagateLocked(u issues.Issue) {
	idx := s.imageIndex(u.ID.Value())
	if idx < 0 {
		return
	}
	s.images[idx].Solved = u.Solved
	if u.Location != nil {
		loc := *u.Location
		s.images[idx].Location = &loc
	} else {
		s.images[idx].Location = nil
	}
}

// runPatch sends the edit and settles the result. If the issue was edited
// again while the request was in flight, one more request carries the latest
// state. A failure with no newer edit restores the state the server last
// agreed with.
func (s *Store) runPatch(id issues.ID, base, sent editable, version uint64) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(s.base, s.patchTimeout)
		_, err := s.remote.PatchIssue(ctx, token, id.Value(), sent.patch())
		cancel()

		s.mu.Lock()
		idx := s.indexOf(id)
		if idx < 0 {
			delete(s.pending, id)
			s.mu.Unlock()
			return
		}
		latest := editableOf(s.issues[idx])
		current := s.versions[id]

		if err != nil {
			s.lastError = fmt.Sprintf("Failed to update issue: %s", message(err))
			s.log.Error("patch issue failed", "id", id.String(), "err", err)
			if current == version || latest.equal(base) {
				s.restoreLocked(idx, base)
				delete(s.pending, id)
				s.mu.Unlock()
				return
			}
		} else {
			base = sent
			if latest.equal(sent) {
				delete(s.pending, id)
				s.mu.Unlock()
				s.log.Info("issue updated", "id", id.String(), "solved", sent.solved)
				return
			}
		}

		sent = latest
		version = current
		s.mu.Unlock()
	}
}

func (s *Store) restoreLocked(idx int, state editable) {
	s.issues[idx].Solved = state.solved
	s.issues[idx].Location = nil
	if state.location != nil {
		loc := *state.location
		s.issues[idx].Location = &loc
	}
}

// AssignImageLocation sets the location of one analyzed image and promotes
// it if it now qualifies. When the service already knows the image, the
// location is saved there as well; a failed save reverts the image.
func (s *Store) AssignImageLocation(ctx context.Context, name string, loc issues.Location) error {
	if !loc.Valid() {
		return ErrLocationRequired
	}

	s.mu.Lock()
	idx := s.imageIndex(name)
	if idx < 0 {
		s.mu.Unlock()
		return ErrImageNotFound
	}
	previous := s.images[idx].Location
	located := loc
	s.images[idx].Location = &located
	serverID := s.images[idx].ServerID
	token := s.token
	s.mergeLocked(s.images[idx : idx+1])
	s.mu.Unlock()

	if serverID == "" {
		return nil
	}
	_, err := s.remote.PatchIssue(ctx, token, serverID, remote.IssuePatch{Location: &located})
	if err == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = fmt.Sprintf("Failed to save location: %s", message(err))
	s.log.Error("save image location failed", "name", name, "server_id", serverID, "err", err)
	if idx = s.imageIndex(name); idx >= 0 {
		s.images[idx].Location = previous
		s.refreshLocalLocked(s.images[idx])
	}
	return err
}

// AssignAllImagesLocation gives every analyzed image the same location.
func (s *Store) AssignAllImagesLocation(ctx context.Context, loc issues.Location) error {
	if !loc.Valid() {
		return ErrLocationRequired
	}
	var errs []error
	for _, img := range s.Images() {
		if err := s.AssignImageLocation(ctx, img.Name, loc); err != nil && !errors.Is(err, ErrImageNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", img.Name, err))
		}
	}
	return errors.Join(errs...)
}

// refreshLocalLocked re-derives the local issue of img after its location
// was reverted. An image without a location is no longer shown.
func (s *Store) refreshLocalLocked(img issues.AnalyzedImage) {
	id := img.IssueID()
	idx := s.indexOf(id)
	if img.Promotable() {
		if idx >= 0 {
			s.issues[idx] = img.ToIssue()
		}
		return
	}
	if idx >= 0 {
		s.issues = append(s.issues[:idx], s.issues[idx+1:]...)
		if s.selected == id {
			s.selected = issues.ID{}
		}
	}
}

// DeleteIssue removes a persisted issue. It needs the admin capability, an
// explicit confirmation and a bearer token. The local collection only
// changes once the server has accepted the delete.
func (s *Store) DeleteIssue(ctx context.Context, id issues.ID, confirmed bool) error {
	s.mu.Lock()
	if !s.isAdmin {
		s.lastError = "You do not have permission to delete issues."
		s.mu.Unlock()
		return ErrNotAdmin
	}
	if !confirmed {
		s.mu.Unlock()
		return ErrConfirmationRequired
	}
	if s.token == "" {
		s.lastError = "Authentication required to delete issues."
		s.mu.Unlock()
		return ErrAuthRequired
	}
	if id.IsLocal() {
		s.lastError = "Failed to delete issue: issue has not been saved"
		s.mu.Unlock()
		return ErrNotPersisted
	}
	if s.indexOf(id) < 0 {
		s.lastError = fmt.Sprintf("Failed to delete issue: %s not found", id)
		s.mu.Unlock()
		return ErrNotFound
	}
	token := s.token
	s.mu.Unlock()

	err := s.remote.DeleteIssue(ctx, token, id.Value())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = fmt.Sprintf("Failed to delete issue: %s", message(err))
		s.log.Error("delete issue failed", "id", id.String(), "err", err)
		return err
	}
	if idx := s.indexOf(id); idx >= 0 {
		s.issues = append(s.issues[:idx], s.issues[idx+1:]...)
	}
	delete(s.versions, id)
	if s.selected == id {
		s.selected = issues.ID{}
	}
	s.log.Info("issue deleted", "id", id.String())
	return nil
}

// Wait blocks until every background update has settled.
func (s *Store) Wait() {
	s.wg.Wait()
}

// Close aborts in-flight background updates and waits for them.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}
