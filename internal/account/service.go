package account

import (
	"context"
	"log/slog"
	"net/mail"

	"github.com/roach88/bagua/internal/entity"
	"github.com/roach88/bagua/internal/outbox"
	"github.com/roach88/bagua/internal/repository"
	"github.com/roach88/bagua/internal/store"
	"github.com/roach88/bagua/internal/txn"
	"github.com/roach88/bagua/internal/usecase"
)

// Outbox topics announced by the service.
const (
	TopicCreated = "account.created"
	TopicUpdated = "account.updated"
	TopicJoined  = "account.joined"
	TopicLeft    = "account.left"
	TopicDeleted = "account.deleted"
)

// Code classifies a business failure.
type Code string

const (
	CodeInvalid    Code = "invalid"
	CodeEmailTaken Code = "email_taken"
	CodeNotFound   Code = "not_found"
)

// Failure is the business error of every account use case.
type Failure struct {
	Code   Code
	Detail string
}

func (f Failure) Error() string {
	if f.Detail == "" {
		return string(f.Code)
	}
	return string(f.Code) + ": " + f.Detail
}

func fail[T any](code Code, detail string) txn.BizResult[T, Failure] {
	return txn.Fail[T](Failure{Code: code, Detail: detail})
}

// CreateParams describes a new account.
type CreateParams struct {
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	Groups      []entity.ID `json:"groups"`
}

// UpdateParams applies Patch to the account ID.
type UpdateParams struct {
	ID    entity.ID `json:"id"`
	Patch Patch     `json:"patch"`
}

// MembershipParams names an account and a group.
type MembershipParams struct {
	Account entity.ID `json:"account"`
	Group   entity.ID `json:"group"`
}

// Done is the success value of use cases with nothing to return.
type Done struct{}

// Service runs the account use cases. Each call is its own transaction;
// events are written to the outbox in that transaction and published
// after it commits.
type Service struct {
	pool *store.Pool
	repo *repository.Repository
	ob   *outbox.Outbox
	ids  entity.IDGenerator

	create usecase.UseCase[CreateParams, entity.ID, Failure]
	update usecase.UseCase[UpdateParams, Profile, Failure]
	join   usecase.UseCase[MembershipParams, Done, Failure]
	leave  usecase.UseCase[MembershipParams, Done, Failure]
	remove usecase.UseCase[entity.ID, Done, Failure]
}

// Option configures a Service.
type Option func(*Service)

// WithIDs sets the generator for new account identities.
func WithIDs(g entity.IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// EnsureTables creates the account tables in pool if they are missing.
func EnsureTables(ctx context.Context, pool *store.Pool) error {
	sch, err := Schema()
	if err != nil {
		return err
	}
	return pool.EnsureTables(ctx, sch)
}

// NewService builds the service. Deferred publications run on exec.
func NewService(pool *store.Pool, exec txn.Executor, ob *outbox.Outbox, opts ...Option) (*Service, error) {
	sch, err := Schema()
	if err != nil {
		return nil, err
	}
	s := &Service{
		pool: pool,
		repo: repository.New(sch.MustEntity(EntityName), pool.Compiler()),
		ob:   ob,
		ids:  entity.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.create = usecase.Transactional("account.create", pool, exec, s.createTx)
	s.update = usecase.Transactional("account.update", pool, exec, s.updateTx)
	s.join = usecase.Transactional("account.join", pool, exec, s.joinTx)
	s.leave = usecase.Transactional("account.leave", pool, exec, s.leaveTx)
	s.remove = usecase.Transactional("account.delete", pool, exec, s.deleteTx)
	return s, nil
}

// Create registers a new active account and returns its identity.
func (s *Service) Create(ctx context.Context, p CreateParams) (txn.BizResult[entity.ID, Failure], error) {
	return s.create.Execute(ctx, p)
}

// Update applies a patch and returns the resulting profile. When the
// transaction fails to commit the profile is discarded: the stored state
// is unknown and must be reloaded.
func (s *Service) Update(ctx context.Context, p UpdateParams) (txn.BizResult[Profile, Failure], error) {
	return s.update.Execute(ctx, p)
}

// Join adds the account to a group. Joining twice is not an error.
func (s *Service) Join(ctx context.Context, p MembershipParams) (txn.BizResult[Done, Failure], error) {
	return s.join.Execute(ctx, p)
}

// Leave removes the account from a group.
func (s *Service) Leave(ctx context.Context, p MembershipParams) (txn.BizResult[Done, Failure], error) {
	return s.leave.Execute(ctx, p)
}

// Delete removes the account and its memberships.
func (s *Service) Delete(ctx context.Context, id entity.ID) (txn.BizResult[Done, Failure], error) {
	return s.remove.Execute(ctx, id)
}

// Get reads the full account outside any transaction.
func (s *Service) Get(ctx context.Context, id entity.ID) (Full, bool, error) {
	var f Full
	found, err := s.repo.Find(ctx, s.pool.DB(), id, &f)
	if err != nil || !found {
		return Full{}, found, err
	}
	return f, true, nil
}

func (s *Service) createTx(ctx context.Context, tx *usecase.Tx, p CreateParams) (txn.BizResult[entity.ID, Failure], error) {
	if addr, err := mail.ParseAddress(p.Email); err != nil || addr.Address != p.Email {
		return fail[entity.ID](CodeInvalid, "email: not a bare address"), nil
	}
	if p.DisplayName == "" {
		return fail[entity.ID](CodeInvalid, "display_name: must not be empty"), nil
	}

	conn, err := tx.Conn(ctx)
	if err != nil {
		return txn.BizResult[entity.ID, Failure]{}, err
	}
	a := New(s.ids.NewID(), p.Email, p.DisplayName, p.Groups...)
	eff, err := s.repo.Save(ctx, conn, a)
	if err != nil {
		return txn.BizResult[entity.ID, Failure]{}, err
	}
	if eff == repository.SaveConflict {
		return fail[entity.ID](CodeEmailTaken, p.Email), nil
	}

	groups := a.Groups.CurrentValue().Keys()
	if groups == nil {
		groups = []entity.ID{}
	}
	_, err = s.ob.Writer(tx.Scheduler()).Send(ctx, conn, TopicCreated, createdEvent{
		ID:          a.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Status:      StatusActive.String(),
		Groups:      groups,
	})
	if err != nil {
		return txn.BizResult[entity.ID, Failure]{}, err
	}
	return txn.Ok[entity.ID, Failure](a.ID), nil
}

func (s *Service) updateTx(ctx context.Context, tx *usecase.Tx, p UpdateParams) (txn.BizResult[Profile, Failure], error) {
	if err := p.Patch.Validate(); err != nil {
		return fail[Profile](CodeInvalid, err.Error()), nil
	}

	conn, err := tx.Conn(ctx)
	if err != nil {
		return txn.BizResult[Profile, Failure]{}, err
	}
	var loaded Profile
	found, err := s.repo.Find(ctx, conn, p.ID, &loaded)
	if err != nil {
		return txn.BizResult[Profile, Failure]{}, err
	}
	if !found {
		return fail[Profile](CodeNotFound, string(p.ID)), nil
	}

	a := loaded.ToEntity()
	p.Patch.Apply(&a)
	changed := a.Changed()
	if len(changed) == 0 {
		slog.Debug("account patch changes nothing", "account", p.ID)
		return txn.Ok[Profile, Failure](loaded), nil
	}

	eff, err := s.repo.Update(ctx, conn, &a)
	if err != nil {
		return txn.BizResult[Profile, Failure]{}, err
	}
	if eff == repository.UpdateNotFound {
		return fail[Profile](CodeNotFound, string(p.ID)), nil
	}

	after := profileOf(&a)
	_, err = s.ob.Writer(tx.Scheduler()).Send(ctx, conn, TopicUpdated, updatedEvent{
		ID:          a.ID,
		Changed:     changed,
		DisplayName: after.DisplayName,
		Status:      after.Status.String(),
	})
	if err != nil {
		return txn.BizResult[Profile, Failure]{}, err
	}
	return txn.Ok[Profile, Failure](after), nil
}

func (s *Service) joinTx(ctx context.Context, tx *usecase.Tx, p MembershipParams) (txn.BizResult[Done, Failure], error) {
	return s.membership(ctx, tx, p, TopicJoined, func(a *Account) { a.Groups.Add(p.Group) })
}

func (s *Service) leaveTx(ctx context.Context, tx *usecase.Tx, p MembershipParams) (txn.BizResult[Done, Failure], error) {
	return s.membership(ctx, tx, p, TopicLeft, func(a *Account) { a.Groups.Remove(p.Group) })
}

// membership writes a group diff against an unloaded baseline, so no read
// of the current membership is needed.
func (s *Service) membership(ctx context.Context, tx *usecase.Tx, p MembershipParams, topic string, edit func(*Account)) (txn.BizResult[Done, Failure], error) {
	if p.Group == "" {
		return fail[Done](CodeInvalid, "group: required"), nil
	}
	conn, err := tx.Conn(ctx)
	if err != nil {
		return txn.BizResult[Done, Failure]{}, err
	}

	shell := Minimal{ID: p.Account}
	a := shell.ToEntity()
	edit(&a)
	eff, err := s.repo.Update(ctx, conn, &a)
	if err != nil {
		return txn.BizResult[Done, Failure]{}, err
	}
	if eff == repository.UpdateNotFound {
		return fail[Done](CodeNotFound, string(p.Account)), nil
	}

	if _, err := s.ob.Writer(tx.Scheduler()).Send(ctx, conn, topic, p); err != nil {
		return txn.BizResult[Done, Failure]{}, err
	}
	return txn.Ok[Done, Failure](Done{}), nil
}

func (s *Service) deleteTx(ctx context.Context, tx *usecase.Tx, id entity.ID) (txn.BizResult[Done, Failure], error) {
	conn, err := tx.Conn(ctx)
	if err != nil {
		return txn.BizResult[Done, Failure]{}, err
	}
	eff, err := s.repo.Delete(ctx, conn, id)
	if err != nil {
		return txn.BizResult[Done, Failure]{}, err
	}
	if eff == repository.DeleteNotFound {
		return fail[Done](CodeNotFound, string(id)), nil
	}
	if _, err := s.ob.Writer(tx.Scheduler()).Send(ctx, conn, TopicDeleted, deletedEvent{ID: id}); err != nil {
		return txn.BizResult[Done, Failure]{}, err
	}
	return txn.Ok[Done, Failure](Done{}), nil
}

type createdEvent struct {
	ID          entity.ID   `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	Status      string      `json:"status"`
	Groups      []entity.ID `json:"groups"`
}

type updatedEvent struct {
	ID          entity.ID `json:"id"`
	Changed     []string  `json:"changed"`
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status"`
}

type deletedEvent struct {
	ID entity.ID `json:"id"`
}
