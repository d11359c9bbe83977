package location

import (
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/chauffeur/internal/hire/domain"
)

// Server implements LocationServer on top of an Ingestor.
type Server struct {
	ingestor *Ingestor
	logger   *zap.Logger
}

// NewServer constructs a server.
func NewServer(ingestor *Ingestor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ingestor: ingestor, logger: logger}
}

// StreamLocation ingests position reports until the client closes the stream.
// Invalid reports are counted and skipped.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		actorID, err := uuid.Parse(msg.ActorId)
		if err != nil {
			ack.Rejected++
			continue
		}
		var at time.Time
		if msg.Ts > 0 {
			at = time.Unix(msg.Ts, 0)
		}
		point := domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}
		if err := s.ingestor.Report(stream.Context(), actorID, point, at); err != nil {
			s.logger.Debug("location report rejected", zap.Error(err), zap.String("actor_id", msg.ActorId))
			ack.Rejected++
			continue
		}
		ack.Accepted++
	}
}
