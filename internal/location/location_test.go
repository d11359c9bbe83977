package location_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/chauffeur/internal/hire/domain"
	"github.com/example/chauffeur/internal/hire/repository"
	"github.com/example/chauffeur/internal/location"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type recordingIndex struct {
	mu     sync.Mutex
	points map[uuid.UUID]domain.GeoPoint
	err    error
}

func (r *recordingIndex) UpsertLocation(_ context.Context, driverID uuid.UUID, p domain.GeoPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.points == nil {
		r.points = make(map[uuid.UUID]domain.GeoPoint)
	}
	r.points[driverID] = p
	return nil
}

var reportedAt = time.Date(2030, 5, 14, 9, 0, 0, 0, time.UTC)

func TestIngestorReport(t *testing.T) {
	driver := domain.Actor{ID: uuid.New(), Role: domain.RoleDriver, IsActive: true}
	customer := domain.Actor{ID: uuid.New(), Role: domain.RoleCustomer, IsActive: true}
	directory := repository.NewMemoryDirectory(driver, customer)
	index := &recordingIndex{}
	ingestor := location.NewIngestor(directory, index, stubClock{t: reportedAt}, nil)
	ctx := context.Background()

	require.NoError(t, ingestor.Report(ctx, driver.ID, domain.GeoPoint{Lat: 35.7, Lng: 51.4}, time.Time{}))
	require.NoError(t, ingestor.Report(ctx, customer.ID, domain.GeoPoint{Lat: 35.8, Lng: 51.5}, reportedAt.Add(time.Minute)))

	got, err := directory.GetActor(ctx, driver.ID)
	require.NoError(t, err)
	require.Equal(t, "35.7,51.4", got.Location)
	require.Equal(t, reportedAt, *got.LocationUpdatedAt)

	got, err = directory.GetActor(ctx, customer.ID)
	require.NoError(t, err)
	require.Equal(t, "35.8,51.5", got.Location)

	// only drivers are indexed
	require.Len(t, index.points, 1)
	require.Equal(t, domain.GeoPoint{Lat: 35.7, Lng: 51.4}, index.points[driver.ID])

	err = ingestor.Report(ctx, driver.ID, domain.GeoPoint{Lat: 120, Lng: 0}, time.Time{})
	require.ErrorIs(t, err, domain.ErrInvalidLocation)

	err = ingestor.Report(ctx, uuid.New(), domain.GeoPoint{Lat: 1, Lng: 1}, time.Time{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngestorIgnoresIndexFailures(t *testing.T) {
	driver := domain.Actor{ID: uuid.New(), Role: domain.RoleDriver, IsActive: true}
	directory := repository.NewMemoryDirectory(driver)
	ingestor := location.NewIngestor(directory, &recordingIndex{err: errors.New("redis down")}, nil, nil)

	require.NoError(t, ingestor.Report(context.Background(), driver.ID, domain.GeoPoint{Lat: 1, Lng: 2}, reportedAt))
	got, err := directory.GetActor(context.Background(), driver.ID)
	require.NoError(t, err)
	require.Equal(t, "1,2", got.Location)
}

func TestStreamLocationOverGRPC(t *testing.T) {
	driver := domain.Actor{ID: uuid.New(), Role: domain.RoleDriver, IsActive: true}
	directory := repository.NewMemoryDirectory(driver)
	index := &recordingIndex{}
	ingestor := location.NewIngestor(directory, index, stubClock{t: reportedAt}, nil)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	location.RegisterLocationServer(srv, location.NewServer(ingestor, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(location.CodecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "StreamLocation", ClientStreams: true},
		"/chauffeur.location.Location/StreamLocation")
	require.NoError(t, err)

	reports := []location.ActorLocation{
		{ActorId: driver.ID.String(), Lat: 35.7, Lng: 51.4},
		{ActorId: driver.ID.String(), Lat: 35.71, Lng: 51.41, Ts: reportedAt.Add(time.Minute).Unix()},
		{ActorId: "not-a-uuid", Lat: 1, Lng: 1},
		{ActorId: driver.ID.String(), Lat: 95, Lng: 1},
	}
	for i := range reports {
		require.NoError(t, stream.SendMsg(&reports[i]))
	}
	require.NoError(t, stream.CloseSend())

	var ack location.Ack
	require.NoError(t, stream.RecvMsg(&ack))
	require.Equal(t, 2, ack.Accepted)
	require.Equal(t, 2, ack.Rejected)

	got, err := directory.GetActor(context.Background(), driver.ID)
	require.NoError(t, err)
	require.Equal(t, "35.71,51.41", got.Location)
	require.Equal(t, reportedAt.Add(time.Minute), *got.LocationUpdatedAt)
}
