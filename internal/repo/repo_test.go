package repo

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"the-digital-vault/internal/database"
	"the-digital-vault/internal/domain"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("vault"),
		postgres.WithUsername("vault"),
		postgres.WithPassword("secret"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(ctx, db))
	// applying twice must be harmless
	require.NoError(t, database.Migrate(ctx, db))
	return db
}

func newOrder(id string, now time.Time) *domain.Order {
	return &domain.Order{
		ID:            id,
		CustomerEmail: "buyer@example.com",
		CustomerName:  "Buyer",
		Items: []domain.OrderItem{
			{ProductID: "game-1", ProductType: domain.TimeLimitedAsset, Title: "Game", Quantity: 1, UnitPrice: 10000, AssetReference: "https://games.example.com/1"},
			{ProductID: "doc-1", ProductType: domain.PermanentAsset, Title: "Doc", Quantity: 1, UnitPrice: 5000, AssetReference: "https://docs.example.com/1"},
		},
		Subtotal:      15000,
		Total:         15000,
		PaymentStatus: domain.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPostgresRepos(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	orders := NewOrderRepo(db)
	payments := NewPaymentRepo(db)
	tokens := NewTokenRepo(db)

	t.Run("database health", func(t *testing.T) {
		health := database.New(db).Health(ctx)
		assert.Equal(t, "up", health["status"])
		assert.Equal(t, "ok", health["message"])
	})

	t.Run("order round trip", func(t *testing.T) {
		require.NoError(t, orders.CreateOrder(ctx, newOrder("ORDER-RT", now)))
		assert.ErrorIs(t, orders.CreateOrder(ctx, newOrder("ORDER-RT", now)), ErrDuplicate)

		got, err := orders.FindById(ctx, "ORDER-RT")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, domain.PaymentPending, got.PaymentStatus)
		assert.Nil(t, got.PaidAt)
		require.Len(t, got.Items, 2)
		assert.Equal(t, "game-1", got.Items[0].ProductID)
		assert.Equal(t, domain.PermanentAsset, got.Items[1].ProductType)

		missing, err := orders.FindById(ctx, "ORDER-NOPE")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("conditional update wins once", func(t *testing.T) {
		require.NoError(t, orders.CreateOrder(ctx, newOrder("ORDER-CU", now)))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			conflict int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := orders.UpdateStatusIfPending(ctx, domain.StatusUpdate{
					OrderID:              "ORDER-CU",
					Status:               domain.PaymentSuccess,
					GatewayTransactionID: "tx-1",
					At:                   now.Add(time.Second),
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorIs(t, err, ErrConflict):
					conflict++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 9, conflict)

		got, err := orders.FindById(ctx, "ORDER-CU")
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentSuccess, got.PaymentStatus)
		require.NotNil(t, got.PaidAt)
		require.NotNil(t, got.GatewayTransactionID)
		assert.Equal(t, "tx-1", *got.GatewayTransactionID)

		err = orders.UpdateStatusIfPending(ctx, domain.StatusUpdate{OrderID: "ORDER-CU", Status: domain.PaymentFailed, At: now})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("stuck orders", func(t *testing.T) {
		old := newOrder("ORDER-OLD", now.Add(-time.Hour))
		require.NoError(t, orders.CreateOrder(ctx, old))

		stuck, err := orders.FindStuckOrders(ctx, now.Add(-30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, "ORDER-OLD", stuck[0].ID)
	})

	t.Run("checked orders rotate", func(t *testing.T) {
		require.NoError(t, orders.MarkChecked(ctx, "ORDER-OLD", now.Add(10*time.Minute)))
		require.NoError(t, orders.MarkChecked(ctx, "ORDER-CU", now))

		stuck, err := orders.FindStuckOrders(ctx, now.Add(-30*time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, stuck)

		stuck, err = orders.FindStuckOrders(ctx, now.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stuck, 2)
		assert.Equal(t, "ORDER-RT", stuck[0].ID)
		assert.Equal(t, "ORDER-OLD", stuck[1].ID)
		require.NotNil(t, stuck[1].LastCheckedAt)
		assert.True(t, now.Add(10*time.Minute).Equal(*stuck[1].LastCheckedAt))

		paid, err := orders.FindById(ctx, "ORDER-CU")
		require.NoError(t, err)
		assert.Nil(t, paid.LastCheckedAt)
	})

	t.Run("access grant flag", func(t *testing.T) {
		ungranted, err := orders.FindUngrantedOrders(ctx, now.Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, ungranted, 1)
		assert.Equal(t, "ORDER-CU", ungranted[0].ID)

		require.NoError(t, orders.MarkAccessGranted(ctx, "ORDER-CU", now))
		assert.ErrorIs(t, orders.MarkAccessGranted(ctx, "ORDER-CU", now), ErrConflict)
		assert.ErrorIs(t, orders.MarkAccessGranted(ctx, "ORDER-OLD", now), ErrConflict)

		ungranted, err = orders.FindUngrantedOrders(ctx, now.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, ungranted)

		got, err := orders.FindById(ctx, "ORDER-CU")
		require.NoError(t, err)
		require.NotNil(t, got.AccessGrantedAt)
		assert.True(t, now.Equal(*got.AccessGrantedAt))
	})

	t.Run("ledger deduplicates on key", func(t *testing.T) {
		rec := &domain.PaymentRecord{
			OrderID:              "ORDER-LEDGER",
			GatewayTransactionID: "tx-9",
			RawStatus:            "Settlement",
			StatusCode:           "200",
			Amount:               15000,
			Source:               domain.SourceWebhook,
			Payload:              []byte(`{"order_id":"ORDER-LEDGER"}`),
			ReceivedAt:           now,
		}
		inserted, err := payments.Append(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NotZero(t, rec.ID)

		dup := *rec
		dup.ID = 0
		dup.RawStatus = "settlement"
		inserted, err = payments.Append(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		other := *rec
		other.ID = 0
		other.RawStatus = "pending"
		inserted, err = payments.Append(ctx, &other)
		require.NoError(t, err)
		assert.True(t, inserted)

		records, err := payments.ListByOrder(ctx, "ORDER-LEDGER")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "settlement", records[0].RawStatus)
		assert.JSONEq(t, `{"order_id":"ORDER-LEDGER"}`, string(records[0].Payload))
	})

	t.Run("token lifecycle", func(t *testing.T) {
		require.NoError(t, orders.CreateOrder(ctx, newOrder("ORDER-TOK", now)))
		tok := &domain.AccessToken{
			ID:               uuid.NewString(),
			OrderID:          "ORDER-TOK",
			ProductID:        "game-1",
			CustomerIdentity: "buyer@example.com",
			ResourceRef:      "https://games.example.com/1",
			CreatedAt:        now,
			ExpiresAt:        now.Add(24 * time.Hour),
			IsActive:         true,
		}
		require.NoError(t, tokens.Create(ctx, tok))
		assert.ErrorIs(t, tokens.Create(ctx, tok), ErrDuplicate)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := tokens.IncrementAccess(ctx, tok.ID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := tokens.FindById(ctx, tok.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 20, got.AccessCount)

		active, err := tokens.ListActiveByCustomer(ctx, "buyer@example.com", now)
		require.NoError(t, err)
		assert.Len(t, active, 1)

		changed, err := tokens.Deactivate(ctx, tok.ID)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = tokens.Deactivate(ctx, tok.ID)
		require.NoError(t, err)
		assert.False(t, changed)

		_, err = tokens.IncrementAccess(ctx, tok.ID)
		assert.ErrorIs(t, err, ErrConflict)

		byOrder, err := tokens.ListByOrder(ctx, "ORDER-TOK")
		require.NoError(t, err)
		require.Len(t, byOrder, 1)
		assert.False(t, byOrder[0].IsActive)

		active, err = tokens.ListActiveByCustomer(ctx, "buyer@example.com", now)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("one token per order item", func(t *testing.T) {
		require.NoError(t, orders.CreateOrder(ctx, newOrder("ORDER-ITEM", now)))
		token := func(position *int) *domain.AccessToken {
			return &domain.AccessToken{
				ID:               uuid.NewString(),
				OrderID:          "ORDER-ITEM",
				ProductID:        "game-1",
				CustomerIdentity: "buyer@example.com",
				ResourceRef:      "https://games.example.com/1",
				CreatedAt:        now,
				ExpiresAt:        now.Add(time.Hour),
				IsActive:         true,
				ItemPosition:     position,
			}
		}
		zero, one := 0, 1

		require.NoError(t, tokens.Create(ctx, token(&one)))
		require.NoError(t, tokens.Create(ctx, token(&zero)))
		assert.ErrorIs(t, tokens.Create(ctx, token(&zero)), ErrAlreadyGranted)
		require.NoError(t, tokens.Create(ctx, token(nil)))
		require.NoError(t, tokens.Create(ctx, token(nil)))

		byOrder, err := tokens.ListByOrder(ctx, "ORDER-ITEM")
		require.NoError(t, err)
		require.Len(t, byOrder, 4)
		require.NotNil(t, byOrder[0].ItemPosition)
		assert.Equal(t, 0, *byOrder[0].ItemPosition)
		require.NotNil(t, byOrder[1].ItemPosition)
		assert.Equal(t, 1, *byOrder[1].ItemPosition)
		assert.Nil(t, byOrder[3].ItemPosition)

		revokedAt := now.Add(time.Minute)
		changed, err := tokens.Revoke(ctx, byOrder[0].ID, revokedAt)
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = tokens.Revoke(ctx, byOrder[0].ID, revokedAt.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := tokens.FindById(ctx, byOrder[0].ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		require.NotNil(t, got.RevokedAt)
		assert.True(t, revokedAt.Equal(*got.RevokedAt))
		assert.True(t, got.RevokedEarly())
	})
}
