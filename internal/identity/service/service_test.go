package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"trustcore/internal/authz"
	"trustcore/internal/identity/models"
	"trustcore/internal/identity/service/mocks"
	"trustcore/internal/identity/store"
	id "trustcore/pkg/domain"
	dErrors "trustcore/pkg/domain-errors"
	audit "trustcore/pkg/platform/audit"
	"trustcore/pkg/platform/audit/publisher"
	auditmemory "trustcore/pkg/platform/audit/store/memory"
	"trustcore/pkg/platform/sentinel"
	"trustcore/pkg/requestcontext"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"
)

type ServiceSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	store      *store.InMemoryStore
	auditStore *auditmemory.InMemoryStore
	publisher  *publisher.Publisher
	service    *Service
	createdAt  time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = store.NewInMemoryStore()
	s.auditStore = auditmemory.NewInMemoryStore()
	s.publisher = publisher.NewPublisher(s.auditStore)
	s.createdAt = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	svc, err := New(s.store, WithAuditPublisher(s.publisher))
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) TearDownTest() {
	s.publisher.Close()
}

func (s *ServiceSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *ServiceSuite) register(address string) *models.Identity {
	identity, err := s.service.Register(s.at(s.createdAt), "fp-"+address, address, nil)
	s.Require().NoError(err)
	return identity
}

// withRoles writes roles directly through the store to set up callers.
func (s *ServiceSuite) withRoles(identity *models.Identity, roles ...authz.Role) *models.Identity {
	updated, err := s.store.Execute(context.Background(), identity.ID, nil, func(i *models.Identity) {
		i.Roles = append([]authz.Role{authz.BaseRole}, roles...)
	})
	s.Require().NoError(err)
	return updated
}

func (s *ServiceSuite) auditActions(identityID id.IdentityID) []string {
	events, err := s.auditStore.ListByIdentity(context.Background(), identityID)
	s.Require().NoError(err)
	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	return actions
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil store is rejected", func() {
		_, err := New(nil)
		s.Error(err)
	})

	s.Run("non-positive threshold is rejected", func() {
		_, err := New(s.store, WithTrustPolicy(models.TrustPolicy{Threshold: 0, Window: time.Hour}))
		s.Error(err)
	})
}

func (s *ServiceSuite) TestRegister() {
	s.Run("seeds roles and provenance", func() {
		identity, err := s.service.Register(s.at(s.createdAt), "fp-1", "1.1.1.1", map[string]any{"device": "desktop"})
		s.Require().NoError(err)

		s.Equal([]authz.Role{authz.RoleUser}, identity.Roles)
		s.Equal(s.createdAt, identity.CreatedAt)
		s.Equal("1.1.1.1", identity.IPProvenance.PrimaryAddress)
		s.Equal(1, identity.IPProvenance.FrequencyByAddress["1.1.1.1"])
		s.Empty(identity.IPProvenance.SuspiciousAddresses)
		s.Equal("desktop", identity.Metadata["device"])

		stored, err := s.service.GetIdentity(context.Background(), identity.ID)
		s.Require().NoError(err)
		s.Equal(identity.ID, stored.ID)
		s.Equal([]string{string(audit.EventIdentityRegistered)}, s.auditActions(identity.ID))
	})

	s.Run("same fingerprint yields distinct identities", func() {
		first, err := s.service.Register(context.Background(), "shared", "1.1.1.1", nil)
		s.Require().NoError(err)
		second, err := s.service.Register(context.Background(), "shared", "1.1.1.1", nil)
		s.Require().NoError(err)
		s.NotEqual(first.ID, second.ID)
	})

	s.Run("empty fingerprint is a validation error", func() {
		_, err := s.service.Register(context.Background(), "", "1.1.1.1", nil)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("empty address is a validation error", func() {
		_, err := s.service.Register(context.Background(), "fp", "", nil)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestGetIdentity() {
	s.Run("missing identity is not found", func() {
		_, err := s.service.GetIdentity(context.Background(), id.NewIdentityID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestTouchAndEvaluateTrust() {
	s.Run("new address after established primary and window is suspicious", func() {
		identity := s.register("1.1.1.1")
		for range 9 {
			_, suspicious, err := s.service.TouchAndEvaluateTrust(s.at(s.createdAt.Add(time.Hour)), identity.ID, "1.1.1.1")
			s.Require().NoError(err)
			s.False(suspicious)
		}

		updated, suspicious, err := s.service.TouchAndEvaluateTrust(s.at(s.createdAt.Add(25*time.Hour)), identity.ID, "2.2.2.2")
		s.Require().NoError(err)
		s.True(suspicious)
		s.Equal([]string{"2.2.2.2"}, updated.IPProvenance.SuspiciousAddresses)
		s.Equal("1.1.1.1", updated.IPProvenance.PrimaryAddress)
		s.Equal(10, updated.IPProvenance.FrequencyByAddress["1.1.1.1"])
		s.Contains(s.auditActions(identity.ID), string(audit.EventSuspiciousAddress))
	})

	s.Run("new address inside grace window is never suspicious", func() {
		identity := s.register("3.3.3.3")
		for range 20 {
			_, _, err := s.service.TouchAndEvaluateTrust(s.at(s.createdAt.Add(time.Minute)), identity.ID, "3.3.3.3")
			s.Require().NoError(err)
		}
		updated, suspicious, err := s.service.TouchAndEvaluateTrust(s.at(s.createdAt.Add(23*time.Hour)), identity.ID, "4.4.4.4")
		s.Require().NoError(err)
		s.False(suspicious)
		s.Empty(updated.IPProvenance.SuspiciousAddresses)
	})

	s.Run("configured policy is honored", func() {
		svc, err := New(s.store, WithTrustPolicy(models.TrustPolicy{Threshold: 2, Window: time.Hour}))
		s.Require().NoError(err)
		identity := s.register("5.5.5.5")

		_, _, err = svc.TouchAndEvaluateTrust(s.at(s.createdAt.Add(time.Minute)), identity.ID, "5.5.5.5")
		s.Require().NoError(err)
		_, suspicious, err := svc.TouchAndEvaluateTrust(s.at(s.createdAt.Add(2*time.Hour)), identity.ID, "6.6.6.6")
		s.Require().NoError(err)
		s.True(suspicious)
	})

	s.Run("missing identity is not found", func() {
		_, _, err := s.service.TouchAndEvaluateTrust(context.Background(), id.NewIdentityID(), "1.1.1.1")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("empty address is a validation error", func() {
		identity := s.register("7.7.7.7")
		_, _, err := s.service.TouchAndEvaluateTrust(context.Background(), identity.ID, "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("concurrent touches never lose increments", func() {
		identity := s.register("8.8.8.8")
		const workers = 16
		const perWorker = 25

		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				addr := fmt.Sprintf("10.0.0.%d", w%4)
				for range perWorker {
					_, _, err := s.service.TouchAndEvaluateTrust(s.at(s.createdAt), identity.ID, addr)
					s.NoError(err)
				}
			}()
		}
		wg.Wait()

		final, err := s.service.GetIdentity(context.Background(), identity.ID)
		s.Require().NoError(err)
		total := 0
		for _, n := range final.IPProvenance.FrequencyByAddress {
			total += n
		}
		s.Equal(1+workers*perWorker, total)
		s.Len(final.IPProvenance.AddressesSeen, 5)
	})
}

func (s *ServiceSuite) TestMutateRoles() {
	ctx := context.Background()

	s.Run("base role can never be removed", func() {
		admin := s.withRoles(s.register("1.0.0.1"), authz.RoleAdmin)
		target := s.register("1.0.0.2")

		_, err := s.service.MutateRoles(ctx, target.ID, admin, authz.RoleUser, models.RoleOpRemove)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidOperation))
	})

	s.Run("self modification denied without top role", func() {
		senior := s.withRoles(s.register("1.0.0.3"), authz.RoleSeniorAgent)

		_, err := s.service.MutateRoles(ctx, senior.ID, senior, authz.RoleAgent, models.RoleOpAdd)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
		s.Contains(s.auditActions(senior.ID), string(audit.EventRoleMutationDenied))

		events, err := s.auditStore.ListByIdentity(ctx, senior.ID)
		s.Require().NoError(err)
		denied := events[len(events)-1]
		s.Equal("self_modification", denied.Reason)
		s.Equal(senior.ID.String(), denied.ActorID)
		s.Equal(authz.RoleAgent.String(), denied.Subject)
	})

	s.Run("top role may modify itself", func() {
		admin := s.withRoles(s.register("1.0.0.4"), authz.RoleAdmin)

		updated, err := s.service.MutateRoles(ctx, admin.ID, admin, authz.RoleAgent, models.RoleOpAdd)
		s.Require().NoError(err)
		s.True(updated.HasRole(authz.RoleAgent))
	})

	s.Run("caller must outrank the role", func() {
		agent := s.withRoles(s.register("1.0.0.5"), authz.RoleFieldAgent)
		target := s.register("1.0.0.6")

		_, err := s.service.MutateRoles(ctx, target.ID, agent, authz.RoleFieldAgent, models.RoleOpAdd)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

		_, err = s.service.MutateRoles(ctx, target.ID, agent, authz.RoleSeniorAgent, models.RoleOpAdd)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("senior agent grants and revokes lower role", func() {
		senior := s.withRoles(s.register("1.0.0.7"), authz.RoleSeniorAgent)
		target := s.register("1.0.0.8")

		granted, err := s.service.MutateRoles(ctx, target.ID, senior, authz.RoleAgent, models.RoleOpAdd)
		s.Require().NoError(err)
		s.ElementsMatch([]authz.Role{authz.RoleUser, authz.RoleAgent}, granted.Roles)

		revoked, err := s.service.MutateRoles(ctx, target.ID, senior, authz.RoleAgent, models.RoleOpRemove)
		s.Require().NoError(err)
		s.Equal([]authz.Role{authz.RoleUser}, revoked.Roles)
		s.Equal([]string{
			string(audit.EventIdentityRegistered),
			string(audit.EventRoleGranted),
			string(audit.EventRoleRevoked),
		}, s.auditActions(target.ID))
	})

	s.Run("unknown role is a validation error", func() {
		admin := s.withRoles(s.register("1.0.0.9"), authz.RoleAdmin)
		_, err := s.service.MutateRoles(ctx, admin.ID, admin, authz.Role("overlord"), models.RoleOpAdd)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown operation is invalid", func() {
		admin := s.withRoles(s.register("1.0.1.0"), authz.RoleAdmin)
		_, err := s.service.MutateRoles(ctx, admin.ID, admin, authz.RoleAgent, models.RoleOp("toggle"))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidOperation))
	})

	s.Run("missing caller is unauthorized", func() {
		_, err := s.service.MutateRoles(ctx, id.NewIdentityID(), nil, authz.RoleAgent, models.RoleOpAdd)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("missing target is not found", func() {
		admin := s.withRoles(s.register("1.0.1.1"), authz.RoleAdmin)
		_, err := s.service.MutateRoles(ctx, id.NewIdentityID(), admin, authz.RoleAgent, models.RoleOpAdd)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestMutateTags() {
	ctx := context.Background()

	s.Run("merges numeric and boolean tags", func() {
		identity := s.register("2.0.0.1")
		_, err := s.service.MutateTags(ctx, identity.ID, map[string]any{"score": 3.0, "vip": true})
		s.Require().NoError(err)

		updated, err := s.service.MutateTags(ctx, identity.ID, map[string]any{"score": 7.0})
		s.Require().NoError(err)
		s.Equal(map[string]any{"score": 7.0, "vip": true}, updated.Tags)
	})

	s.Run("string values are rejected", func() {
		identity := s.register("2.0.0.2")
		_, err := s.service.MutateTags(ctx, identity.ID, map[string]any{"name": "x"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("missing identity is not found", func() {
		_, err := s.service.MutateTags(ctx, id.NewIdentityID(), map[string]any{"a": 1})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("stored tag map cannot grow past the cap", func() {
		identity := s.register("2.0.0.3")
		for i := range models.MaxMapEntries {
			_, err := s.service.MutateTags(ctx, identity.ID, map[string]any{fmt.Sprintf("t%d", i): i})
			s.Require().NoError(err)
		}

		_, err := s.service.MutateTags(ctx, identity.ID, map[string]any{"overflow": true})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))

		stored, err := s.service.GetIdentity(ctx, identity.ID)
		s.Require().NoError(err)
		s.Len(stored.Tags, models.MaxMapEntries)
		s.NotContains(stored.Tags, "overflow")

		updated, err := s.service.MutateTags(ctx, identity.ID, map[string]any{"t0": 100})
		s.Require().NoError(err)
		s.Equal(100, updated.Tags["t0"])
	})
}

func (s *ServiceSuite) TestMergeMetadata() {
	identity, err := s.service.Register(context.Background(), "fp", "2.0.1.1", map[string]any{"a": "1", "b": "2"})
	s.Require().NoError(err)

	updated, err := s.service.MergeMetadata(context.Background(), identity.ID, map[string]any{"b": "3", "c": "4"})
	s.Require().NoError(err)
	s.Equal(map[string]any{"a": "1", "b": "3", "c": "4"}, updated.Metadata)

	wide := make(map[string]any, models.MaxMapEntries)
	for i := range models.MaxMapEntries {
		wide[fmt.Sprintf("k%d", i)] = "v"
	}
	_, err = s.service.MergeMetadata(context.Background(), identity.ID, wide)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	stored, err := s.service.GetIdentity(context.Background(), identity.ID)
	s.Require().NoError(err)
	s.Len(stored.Metadata, 3)
}

func (s *ServiceSuite) TestStoreErrorTranslation() {
	mockStore := mocks.NewMockStore(s.ctrl)
	svc, err := New(mockStore)
	s.Require().NoError(err)
	identityID := id.NewIdentityID()

	s.Run("conflict is retryable", func() {
		mockStore.EXPECT().Execute(gomock.Any(), identityID, gomock.Any(), gomock.Any()).
			Return(nil, fmt.Errorf("%w: watch retries exhausted", sentinel.ErrConflict))

		_, _, err := svc.TouchAndEvaluateTrust(context.Background(), identityID, "1.1.1.1")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
		s.True(dErrors.IsRetryable(err))
	})

	s.Run("driver errors become internal without leaking text", func() {
		mockStore.EXPECT().FindByID(gomock.Any(), identityID).Return(nil, errors.New("pq: connection refused"))

		_, err := svc.GetIdentity(context.Background(), identityID)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.NotContains(err.Error(), "pq:")
	})

	s.Run("create conflict maps to conflict", func() {
		mockStore.EXPECT().Create(gomock.Any(), gomock.Any()).Return(sentinel.ErrConflict)

		_, err := svc.Register(context.Background(), "fp", "1.1.1.1", nil)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestAuditFailureDoesNotFailOperation() {
	mockAudit := mocks.NewMockAuditPublisher(s.ctrl)
	mockMetrics := mocks.NewMockMetrics(s.ctrl)
	svc, err := New(s.store, WithAuditPublisher(mockAudit), WithMetrics(mockMetrics))
	s.Require().NoError(err)

	mockAudit.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(errors.New("audit down"))
	mockMetrics.EXPECT().IncRegistered()

	identity, err := svc.Register(context.Background(), "fp", "1.1.1.1", nil)
	s.Require().NoError(err)
	s.NotNil(identity)
}
