package learning

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/foresight/internal/domain"
)

// Service is the approval gate between proposed and applied learnings.
// Nothing reaches the assessment path without passing through Approve.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates a new learning service.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("service", "learning").Logger(),
	}
}

// ActiveForScope returns the approved learnings applicable to a scope.
// Satisfies the ensemble's learning provider.
func (s *Service) ActiveForScope(sc domain.Scope) ([]domain.Learning, error) {
	return s.repo.ActiveForScope(sc)
}

// MarkApplied records that the given learnings were injected into an
// assessment. Satisfies the ensemble's learning provider.
func (s *Service) MarkApplied(ids []int64) error {
	return s.repo.MarkApplied(ids)
}

// MarkHelpful records that the given learnings contributed to a correct
// prediction. Called by the evaluation path after scoring.
func (s *Service) MarkHelpful(ids []int64) error {
	return s.repo.MarkHelpful(ids)
}

// AddHumanLearning creates an immediately-active learning authored by a
// human. Human learnings skip the approval queue.
func (s *Service) AddHumanLearning(l domain.Learning) (int64, error) {
	l.SourceType = domain.LearningSourceHuman
	id, err := s.repo.CreateLearning(l)
	if err != nil {
		return 0, err
	}
	s.log.Info().Int64("learning_id", id).Str("kind", string(l.Kind)).Msg("Human learning added")
	return id, nil
}

// Propose queues an AI-generated learning for human approval.
func (s *Service) Propose(e domain.LearningQueueEntry) (int64, error) {
	id, err := s.repo.EnqueueProposal(e)
	if err != nil {
		return 0, err
	}
	s.log.Info().
		Int64("queue_entry_id", id).
		Str("kind", string(e.Kind)).
		Str("scope_level", string(e.ScopeLevel)).
		Msg("Learning proposed")
	return id, nil
}

// ListPending returns proposals awaiting a decision.
func (s *Service) ListPending(limit int) ([]domain.LearningQueueEntry, error) {
	return s.repo.ListPendingProposals(limit)
}

// Approve materializes a pending proposal into an active learning. The
// learning carries a backlink to its queue entry for audit.
func (s *Service) Approve(queueEntryID int64) (*domain.Learning, error) {
	entry, err := s.repo.GetQueueEntry(queueEntryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("learning proposal %d not found", queueEntryID)
	}
	if entry.Status != domain.LearningQueuePending {
		return nil, fmt.Errorf("learning proposal %d already %s", queueEntryID, entry.Status)
	}

	learningID, err := s.repo.CreateLearning(domain.Learning{
		Content:      entry.Content,
		Kind:         entry.Kind,
		ScopeLevel:   entry.ScopeLevel,
		Domain:       entry.Domain,
		UniverseID:   entry.UniverseID,
		TargetID:     entry.TargetID,
		AnalystID:    entry.AnalystID,
		SourceType:   domain.LearningSourceAIApproved,
		QueueEntryID: entry.ID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.DecideProposal(queueEntryID, domain.LearningQueueApproved, learningID); err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("queue_entry_id", queueEntryID).
		Int64("learning_id", learningID).
		Msg("Learning approved")

	return s.repo.GetLearning(learningID)
}

// Reject discards a pending proposal. Rejected proposals never become
// learnings and never influence assessments.
func (s *Service) Reject(queueEntryID int64) error {
	if err := s.repo.DecideProposal(queueEntryID, domain.LearningQueueRejected, 0); err != nil {
		return err
	}
	s.log.Info().Int64("queue_entry_id", queueEntryID).Msg("Learning rejected")
	return nil
}

// Retire moves an active learning out of the assessment path.
func (s *Service) Retire(learningID int64) error {
	return s.repo.SetStatus(learningID, domain.LearningRetired)
}
