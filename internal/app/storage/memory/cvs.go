package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/storage"
)

// CVStore implementation ------------------------------------------------------

func (s *Store) CreateCV(_ context.Context, c cv.CV) (cv.CV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = newID()
	} else if _, exists := s.cvs[c.ID]; exists {
		return cv.CV{}, storage.ErrConflict
	}
	ts := now()
	c.CreatedAt = ts
	c.UpdatedAt = ts
	c.Content = cloneContent(c.Content)
	s.cvs[c.ID] = c
	s.versions[c.ID] = []cv.Version{{
		ID:        newID(),
		CVID:      c.ID,
		Number:    1,
		Content:   cloneContent(c.Content),
		Reason:    cv.ReasonCreate,
		CreatedAt: ts,
	}}
	return cloneCV(c), nil
}

func (s *Store) UpdateCVMeta(_ context.Context, c cv.CV) (cv.CV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.cvs[c.ID]
	if !ok {
		return cv.CV{}, storage.ErrNotFound
	}
	existing.Title = c.Title
	existing.Status = c.Status
	existing.Template = c.Template
	existing.UpdatedAt = now()
	s.cvs[c.ID] = existing
	return cloneCV(existing), nil
}

func (s *Store) GetCV(_ context.Context, id string) (cv.CV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cvs[id]
	if !ok {
		return cv.CV{}, storage.ErrNotFound
	}
	return cloneCV(c), nil
}

func (s *Store) ListCVs(_ context.Context, userID string) ([]cv.CV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]cv.CV, 0)
	for _, c := range s.cvs {
		if c.UserID == userID {
			result = append(result, cloneCV(c))
		}
	}
	sortCVs(result)
	return result, nil
}

func (s *Store) SearchCVs(_ context.Context, filter storage.CVFilter) ([]cv.CV, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	result := make([]cv.CV, 0)
	for _, c := range s.cvs {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && c.UserID != filter.UserID {
			continue
		}
		if query != "" {
			haystack := strings.ToLower(c.Title + " " + c.Content.Personal.FullName + " " + c.Content.Personal.Email)
			if !strings.Contains(haystack, query) {
				continue
			}
		}
		result = append(result, cloneCV(c))
	}
	sortCVs(result)
	return paginate(result, filter.Page), len(result), nil
}

func (s *Store) DeleteCV(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cvs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.cvs, id)
	delete(s.versions, id)
	for _, m := range s.messages[id] {
		delete(s.messageIndex, m.ID)
	}
	delete(s.messages, id)
	delete(s.assets, id)
	for grantID, g := range s.grants {
		if g.CVID == id {
			delete(s.grants, grantID)
			delete(s.grantKeys, grantKey(g.UserID, g.CVID))
		}
	}
	return nil
}

func (s *Store) SaveContent(_ context.Context, cvID string, content cv.Content, reason cv.VersionReason) (cv.CV, cv.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cvs[cvID]
	if !ok {
		return cv.CV{}, cv.Version{}, storage.ErrNotFound
	}
	ts := now()
	c.Content = cloneContent(content)
	c.UpdatedAt = ts
	s.cvs[cvID] = c

	versions := s.versions[cvID]
	number := 1
	if n := len(versions); n > 0 {
		number = versions[n-1].Number + 1
	}
	version := cv.Version{
		ID:        newID(),
		CVID:      cvID,
		Number:    number,
		Content:   cloneContent(content),
		Reason:    reason,
		CreatedAt: ts,
	}
	s.versions[cvID] = append(versions, version)
	return cloneCV(c), cloneVersion(version), nil
}

func (s *Store) ListVersions(_ context.Context, cvID string) ([]cv.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[cvID]
	result := make([]cv.Version, 0, len(versions))
	for _, v := range versions {
		result = append(result, cloneVersion(v))
	}
	return result, nil
}

func (s *Store) GetVersion(_ context.Context, cvID string, number int) (cv.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[cvID] {
		if v.Number == number {
			return cloneVersion(v), nil
		}
	}
	return cv.Version{}, storage.ErrNotFound
}

func (s *Store) AddMessage(_ context.Context, m cv.Message) (cv.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cvs[m.CVID]; !ok {
		return cv.Message{}, storage.ErrNotFound
	}
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = now()
	s.messages[m.CVID] = append(s.messages[m.CVID], m)
	s.messageIndex[m.ID] = m
	return m, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (cv.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messageIndex[id]
	if !ok {
		return cv.Message{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListMessages(_ context.Context, cvID string, limit int) ([]cv.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[cvID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]cv.Message(nil), msgs...), nil
}

func (s *Store) AddAsset(_ context.Context, a cv.Asset) (cv.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cvs[a.CVID]; !ok {
		return cv.Asset{}, storage.ErrNotFound
	}
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = now()
	s.assets[a.CVID] = append(s.assets[a.CVID], a)
	return a, nil
}

func (s *Store) ListAssets(_ context.Context, cvID string) ([]cv.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]cv.Asset(nil), s.assets[cvID]...), nil
}

func sortCVs(items []cv.CV) {
	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.After(items[j].UpdatedAt) })
}

func cloneCV(c cv.CV) cv.CV {
	c.Content = cloneContent(c.Content)
	return c
}

func cloneVersion(v cv.Version) cv.Version {
	v.Content = cloneContent(v.Content)
	return v
}

func cloneContent(c cv.Content) cv.Content {
	c.Personal.Links = cloneSlice(c.Personal.Links)
	c.Skills = cloneSlice(c.Skills)
	c.Education = cloneSlice(c.Education)
	c.Languages = cloneSlice(c.Languages)
	c.Certifications = cloneSlice(c.Certifications)
	c.Projects = cloneSlice(c.Projects)
	if c.Experience != nil {
		exp := make([]cv.Experience, len(c.Experience))
		for i, e := range c.Experience {
			e.Highlights = cloneSlice(e.Highlights)
			exp[i] = e
		}
		c.Experience = exp
	}
	return c
}

func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	return append(make([]T, 0, len(in)), in...)
}
