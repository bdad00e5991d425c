package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"idlink/internal/contact/models"
	"idlink/internal/contact/store"
	dErrors "idlink/pkg/domain-errors"
	"idlink/pkg/requestcontext"
)

type ReconcilerSuite struct {
	suite.Suite
	store      *store.InMemory
	reconciler *Reconciler
	now        time.Time
}

func TestReconcilerSuite(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

func (s *ReconcilerSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.reconciler = New(s.store, s.store)
	s.now = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
}

// identify submits one observation; each call happens one minute after the
// previous so creation order is deterministic.
func (s *ReconcilerSuite) identify(email, phoneNumber string) (*models.ClusterView, error) {
	ctx := requestcontext.WithTime(context.Background(), s.now)
	s.now = s.now.Add(time.Minute)
	return s.reconciler.Identify(ctx, &models.IdentifyRequest{Email: email, PhoneNumber: phoneNumber})
}

// identifyAt submits with an explicit timestamp, for tie-break tests.
func (s *ReconcilerSuite) identifyAt(email, phoneNumber string, at time.Time) (*models.ClusterView, error) {
	ctx := requestcontext.WithTime(context.Background(), at)
	return s.reconciler.Identify(ctx, &models.IdentifyRequest{Email: email, PhoneNumber: phoneNumber})
}

func (s *ReconcilerSuite) contactCount() int {
	matches := 0
	for id := int64(1); ; id++ {
		if _, err := s.store.FindByID(context.Background(), id); err != nil {
			return matches
		}
		matches++
	}
}

func (s *ReconcilerSuite) TestValidation() {
	s.Run("rejects empty submission without touching the store", func() {
		_, err := s.identify("", "")
		s.Require().Error(err)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
		s.Equal(0, s.contactCount())
	})

	s.Run("rejects whitespace-only submission", func() {
		_, err := s.identify("   ", " ")
		s.Require().Error(err)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
		s.Equal(0, s.contactCount())
	})
}

func (s *ReconcilerSuite) TestNewCluster() {
	view, err := s.identify("lorraine@hillvalley.edu", "123456")
	s.Require().NoError(err)

	s.Equal([]string{"lorraine@hillvalley.edu"}, view.Emails)
	s.Equal([]string{"123456"}, view.PhoneNumbers)
	s.Empty(view.SecondaryContactIDs)

	primary, err := s.store.FindByID(context.Background(), view.PrimaryContactID)
	s.Require().NoError(err)
	s.True(primary.IsPrimary())
	s.Nil(primary.LinkedID)
}

func (s *ReconcilerSuite) TestIdempotentResubmission() {
	first, err := s.identify("doc@hillvalley.edu", "555")
	s.Require().NoError(err)

	for i := 0; i < 3; i++ {
		again, err := s.identify("doc@hillvalley.edu", "555")
		s.Require().NoError(err)
		s.Equal(first, again)
	}
	s.Equal(1, s.contactCount())
}

func (s *ReconcilerSuite) TestSecondaryCreation() {
	s.Run("shared email with new phone extends the cluster", func() {
		first, err := s.identify("marty@hillvalley.edu", "111")
		s.Require().NoError(err)

		second, err := s.identify("marty@hillvalley.edu", "222")
		s.Require().NoError(err)

		s.Equal(first.PrimaryContactID, second.PrimaryContactID)
		s.Equal([]string{"marty@hillvalley.edu"}, second.Emails)
		s.Equal([]string{"111", "222"}, second.PhoneNumbers)
		s.Len(second.SecondaryContactIDs, 1)
	})

	s.Run("submission omitting a known field is still new information", func() {
		// (email, phone) exists; email alone is a distinct pair.
		view, err := s.identify("marty@hillvalley.edu", "")
		s.Require().NoError(err)
		s.Len(view.SecondaryContactIDs, 2)

		// But resubmitting it is now a repeat.
		again, err := s.identify("marty@hillvalley.edu", "")
		s.Require().NoError(err)
		s.Equal(view, again)
	})

	s.Run("submission supplying a missing field is new information", func() {
		_, err := s.identify("einstein@hillvalley.edu", "")
		s.Require().NoError(err)

		view, err := s.identify("einstein@hillvalley.edu", "999")
		s.Require().NoError(err)
		s.Len(view.SecondaryContactIDs, 1)
		s.Equal([]string{"999"}, view.PhoneNumbers)
	})
}

func (s *ReconcilerSuite) TestMerge() {
	older, err := s.identify("george@hillvalley.edu", "717171")
	s.Require().NoError(err)
	newer, err := s.identify("biff@hillvalley.edu", "919191")
	s.Require().NoError(err)

	merged, err := s.identify("george@hillvalley.edu", "919191")
	s.Require().NoError(err)

	s.Equal(older.PrimaryContactID, merged.PrimaryContactID)
	s.Equal([]string{"george@hillvalley.edu", "biff@hillvalley.edu"}, merged.Emails)
	s.Equal([]string{"717171", "919191"}, merged.PhoneNumbers)
	s.Contains(merged.SecondaryContactIDs, newer.PrimaryContactID)

	demoted, err := s.store.FindByID(context.Background(), newer.PrimaryContactID)
	s.Require().NoError(err)
	s.Equal(models.PrecedenceSecondary, demoted.Precedence)
	s.Require().NotNil(demoted.LinkedID)
	s.Equal(older.PrimaryContactID, *demoted.LinkedID)

	s.Run("bridging pair was recorded once and repeats are no-ops", func() {
		count := s.contactCount()
		again, err := s.identify("george@hillvalley.edu", "919191")
		s.Require().NoError(err)
		s.Equal(merged, again)
		s.Equal(count, s.contactCount())
	})
}

func (s *ReconcilerSuite) TestMergeRelinksAbsorbedChildren() {
	// Cluster A: one primary.
	a, err := s.identify("clara@hillvalley.edu", "10")
	s.Require().NoError(err)
	// Cluster B: primary plus a secondary.
	b, err := s.identify("seamus@hillvalley.edu", "20")
	s.Require().NoError(err)
	bGrown, err := s.identify("seamus@hillvalley.edu", "21")
	s.Require().NoError(err)
	s.Len(bGrown.SecondaryContactIDs, 1)
	bChild := bGrown.SecondaryContactIDs[0]

	// Bridge the clusters through A's email and B's phone.
	merged, err := s.identify("clara@hillvalley.edu", "20")
	s.Require().NoError(err)
	s.Equal(a.PrimaryContactID, merged.PrimaryContactID)

	// Every former member of B links directly at A's primary now.
	for _, id := range []int64{b.PrimaryContactID, bChild} {
		c, err := s.store.FindByID(context.Background(), id)
		s.Require().NoError(err)
		s.Equal(models.PrecedenceSecondary, c.Precedence)
		s.Require().NotNil(c.LinkedID)
		s.Equal(a.PrimaryContactID, *c.LinkedID)
	}
}

func (s *ReconcilerSuite) TestMergeKeepsOldestRegardlessOfSubmissionShape() {
	older, err := s.identify("old@hillvalley.edu", "1")
	s.Require().NoError(err)
	_, err = s.identify("new@hillvalley.edu", "2")
	s.Require().NoError(err)

	// The newer cluster's email arrives first in the bridging pair; the
	// older cluster must still win the primary election.
	merged, err := s.identify("new@hillvalley.edu", "1")
	s.Require().NoError(err)
	s.Equal(older.PrimaryContactID, merged.PrimaryContactID)
	s.Equal([]string{"old@hillvalley.edu", "new@hillvalley.edu"}, merged.Emails)
}

func (s *ReconcilerSuite) TestMergeTieBreaksOnLowestID() {
	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	first, err := s.identifyAt("tie-a@hillvalley.edu", "31", at)
	s.Require().NoError(err)
	second, err := s.identifyAt("tie-b@hillvalley.edu", "32", at)
	s.Require().NoError(err)
	s.Less(first.PrimaryContactID, second.PrimaryContactID)

	merged, err := s.identifyAt("tie-a@hillvalley.edu", "32", at)
	s.Require().NoError(err)
	s.Equal(first.PrimaryContactID, merged.PrimaryContactID)
}

func (s *ReconcilerSuite) TestBothFieldsMatchSameCluster() {
	// Email and phone match two different rows of an already-merged cluster;
	// this is a plain repeat, not a second merge.
	_, err := s.identify("jennifer@hillvalley.edu", "40")
	s.Require().NoError(err)
	grown, err := s.identify("jennifer@hillvalley.edu", "41")
	s.Require().NoError(err)

	count := s.contactCount()
	view, err := s.identify("jennifer@hillvalley.edu", "41")
	s.Require().NoError(err)
	s.Equal(grown, view)
	s.Equal(count, s.contactCount())
}

func (s *ReconcilerSuite) TestResponseOrdering() {
	first, err := s.identify("z@hillvalley.edu", "900")
	s.Require().NoError(err)
	_, err = s.identify("a@hillvalley.edu", "900")
	s.Require().NoError(err)
	view, err := s.identify("m@hillvalley.edu", "900")
	s.Require().NoError(err)

	// Primary's identifiers first, then secondaries in ascending id order.
	s.Equal(first.PrimaryContactID, view.PrimaryContactID)
	s.Equal([]string{"z@hillvalley.edu", "a@hillvalley.edu", "m@hillvalley.edu"}, view.Emails)
	s.Equal([]string{"900"}, view.PhoneNumbers)
	s.Len(view.SecondaryContactIDs, 2)
	s.Less(view.SecondaryContactIDs[0], view.SecondaryContactIDs[1])
}

func (s *ReconcilerSuite) TestConcurrentSameNewPair() {
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := s.reconciler.Identify(context.Background(), &models.IdentifyRequest{
				Email:       "race@hillvalley.edu",
				PhoneNumber: "777",
			})
			return err
		})
	}
	s.Require().NoError(g.Wait())
	s.Equal(1, s.contactCount())
}

func (s *ReconcilerSuite) TestConcurrentDisjointPairs() {
	const pairs = 8
	var g errgroup.Group
	for i := 0; i < pairs; i++ {
		i := i
		g.Go(func() error {
			view, err := s.reconciler.Identify(context.Background(), &models.IdentifyRequest{
				Email:       fmt.Sprintf("user%d@hillvalley.edu", i),
				PhoneNumber: fmt.Sprintf("600%d", i),
			})
			if err != nil {
				return err
			}
			if len(view.SecondaryContactIDs) != 0 {
				return fmt.Errorf("expected independent cluster, got secondaries %v", view.SecondaryContactIDs)
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())
	s.Equal(pairs, s.contactCount())
}
