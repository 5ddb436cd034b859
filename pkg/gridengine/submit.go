package gridengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sudorandom/world-grid/pkg/docstore"
	"github.com/sudorandom/world-grid/pkg/mapview"
)

const submitZoom = 10

// SubmitRequest is a new or edited world message. Without coordinates the client address is
// resolved through the Locator.
type SubmitRequest struct {
	Name string   `json:"name" validate:"required,max=30"`
	Text string   `json:"text" validate:"required,max=140"`
	Lat  *float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lng  *float64 `json:"lng,omitempty" validate:"omitempty,longitude"`
	Lang string   `json:"lang,omitempty" validate:"max=35"`
	IP   net.IP   `json:"-"`
}

// SubmitResult reports where the message landed.
type SubmitResult struct {
	ID       string         `json:"id"`
	Edited   bool           `json:"edited"`
	Position mapview.LatLng `json:"position"`
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + strings.Join(e.Fields, ", ")
}

// Submit creates the viewer's message or, when one is remembered, edits it in place.
func (s *Session) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Text = strings.TrimSpace(req.Text)
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = strings.ToLower(fe.Field()) + ":" + fe.Tag()
			}
			return SubmitResult{}, &ValidationError{Fields: fields}
		}
		return SubmitResult{}, err
	}
	if word, bad := s.profane.Check(req.Name, req.Text); bad {
		s.log.Info().Str("word", word).Msg("submission blocked")
		return SubmitResult{}, ErrProfanity
	}

	pos, err := s.submitPosition(req)
	if err != nil {
		return SubmitResult{}, err
	}

	title, err := s.local.Get(s.viewer, LocalSpecialTitle)
	if err != nil {
		return SubmitResult{}, err
	}
	uid := s.viewer
	if uid == "" {
		uid = "guest"
	}
	fields := docstore.Fields{
		"name":      req.Name,
		"text":      req.Text,
		"lat":       pos.Lat,
		"lng":       pos.Lng,
		"timestamp": docstore.ServerTimestamp(),
		"lang":      req.Lang,
		"uid":       uid,
	}
	if title != "" {
		fields["specialTitle"] = title
	} else {
		fields["specialTitle"] = nil
	}

	res := SubmitResult{Position: pos}
	existing, err := s.local.Get(s.viewer, LocalMessageID)
	if err != nil {
		return SubmitResult{}, err
	}
	if existing != "" {
		err := s.store.Update(ctx, CollectionMessages, existing, fields)
		switch {
		case err == nil:
			res.ID = existing
			res.Edited = true
		case errors.Is(err, docstore.ErrNotFound):
			s.log.Info().Str("id", existing).Msg("remembered message is gone, creating a new one")
		default:
			return SubmitResult{}, fmt.Errorf("failed to update message %s: %w", existing, err)
		}
	}
	if res.ID == "" {
		fields["replyCount"] = 0
		fields["likes"] = 0
		fields["dislikes"] = 0
		id, err := s.store.Add(ctx, CollectionMessages, fields)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("failed to add message: %w", err)
		}
		res.ID = id
		if err := s.local.Set(s.viewer, LocalMessageID, id); err != nil {
			return res, err
		}
	}
	if err := s.local.Set(s.viewer, LocalName, req.Name); err != nil {
		return res, err
	}

	s.mu.Lock()
	if !s.closed {
		s.surface.FlyTo(pos, submitZoom, flightTime)
	}
	s.unlock()
	s.log.Info().Str("id", res.ID).Bool("edited", res.Edited).Msg("message submitted")
	return res, nil
}

func (s *Session) submitPosition(req SubmitRequest) (mapview.LatLng, error) {
	if req.Lat != nil && req.Lng != nil {
		return mapview.LatLng{Lat: *req.Lat, Lng: *req.Lng}, nil
	}
	if s.opts.Locator != nil {
		if pos, ok := s.opts.Locator.Locate(req.IP); ok {
			return pos, nil
		}
	}
	return mapview.LatLng{}, ErrLocationRequired
}

// RestoreLocalState finds the viewer's own message and remembers its id and name.
func (s *Session) RestoreLocalState(ctx context.Context) (string, bool, error) {
	if s.viewer == "" {
		return "", false, nil
	}
	q := docstore.Collection(CollectionMessages).Where("uid", s.viewer).Limit(1)
	docs, err := s.store.GetDocs(ctx, q)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up own message: %w", err)
	}
	if len(docs) == 0 {
		return "", false, nil
	}
	d := docs[0]
	if err := s.local.Set(s.viewer, LocalMessageID, d.ID); err != nil {
		return "", false, err
	}
	if name := d.String("name"); name != "" {
		if err := s.local.Set(s.viewer, LocalName, name); err != nil {
			return "", false, err
		}
	}
	return d.ID, true, nil
}
