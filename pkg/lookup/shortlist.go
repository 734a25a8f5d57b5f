package lookup

import (
	"sort"

	"github.com/eth2030/kaddht/pkg/id"
	"github.com/eth2030/kaddht/pkg/kbucket"
)

// maxShortlistSize bounds how many candidates a single lookup will track,
// regardless of how many distinct contacts peers hand back. Large enough
// that it never binds in practice (it is several times K), it exists only
// so a misbehaving or enormous response set can't grow a lookup's memory
// without bound.
const maxShortlistSize = 256

// shortlist tracks the candidates discovered during one iterative lookup,
// kept sorted by XOR distance to target (closest first).
type shortlist struct {
	target   id.NID
	k        int
	contacts []kbucket.Contact
	present  map[id.NID]bool
}

func newShortlist(target id.NID, k int) *shortlist {
	return &shortlist{target: target, k: k, present: make(map[id.NID]bool)}
}

func (s *shortlist) addMany(contacts []kbucket.Contact) {
	for _, c := range contacts {
		s.add(c)
	}
}

func (s *shortlist) add(c kbucket.Contact) {
	if s.present[c.NID] {
		return
	}
	s.present[c.NID] = true
	i := sort.Search(len(s.contacts), func(i int) bool {
		return id.Less(s.target, c.NID, s.contacts[i].NID)
	})
	s.contacts = append(s.contacts, kbucket.Contact{})
	copy(s.contacts[i+1:], s.contacts[i:])
	s.contacts[i] = c
	if len(s.contacts) > maxShortlistSize {
		dropped := s.contacts[maxShortlistSize:]
		for _, d := range dropped {
			delete(s.present, d.NID)
		}
		s.contacts = s.contacts[:maxShortlistSize]
	}
}

// nextUnqueried returns up to alpha of the closest candidates not yet in
// queried.
func (s *shortlist) nextUnqueried(alpha int, queried map[id.NID]bool) []kbucket.Contact {
	var out []kbucket.Contact
	for _, c := range s.contacts {
		if queried[c.NID] {
			continue
		}
		out = append(out, c)
		if len(out) == alpha {
			break
		}
	}
	return out
}

// closest returns the single closest known candidate, if any.
func (s *shortlist) closest() (kbucket.Contact, bool) {
	if len(s.contacts) == 0 {
		return kbucket.Contact{}, false
	}
	return s.contacts[0], true
}

// queriedCount reports how many of the shortlist's k closest candidates
// have already been queried, used for the "k closest all queried"
// termination rule.
func (s *shortlist) queriedCount(queried map[id.NID]bool) int {
	n := 0
	limit := s.k
	if limit > len(s.contacts) {
		limit = len(s.contacts)
	}
	for _, c := range s.contacts[:limit] {
		if queried[c.NID] {
			n++
		}
	}
	return n
}
