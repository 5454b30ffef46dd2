package mines

import (
	"context"
	"fmt"
	"math"

	"minekeeper/internal/mine"
)

// ParseKind normalizes raw and checks it against the allowed kinds.
func (s *Service) ParseKind(raw string) (mine.Kind, error) {
	k, err := mine.ParseKind(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if !s.kindAllowed(k) {
		return "", fmt.Errorf("%w: kind %s not allowed", ErrInvalidArgument, k)
	}
	return k, nil
}

func checkWeight(k mine.Kind, w float64) error {
	if math.IsNaN(w) || !mine.ValidWeight(w) {
		return fmt.Errorf("%w: weight %v for %s not in [0, %d]", ErrInvalidArgument, w, k, mine.MaxWeight)
	}
	return nil
}

func (s *Service) checkRecipe(r mine.Recipe) error {
	for k, w := range r {
		if _, err := s.ParseKind(string(k)); err != nil {
			return err
		}
		if err := checkWeight(k, w); err != nil {
			return err
		}
	}
	return nil
}

// SetWeight sets the weight of one kind, adding it when absent. The next
// occurrence picks the change up.
func (s *Service) SetWeight(ctx context.Context, id, kind string, weight float64) error {
	k, err := s.ParseKind(kind)
	if err != nil {
		return err
	}
	if err := checkWeight(k, weight); err != nil {
		return err
	}
	return s.editRecipe(ctx, id, func(r mine.Recipe) error {
		r[k] = weight
		return nil
	})
}

// RemoveKind drops one kind from the recipe. Removing the last kind leaves
// the fallback recipe.
func (s *Service) RemoveKind(ctx context.Context, id, kind string) error {
	k, err := mine.ParseKind(kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return s.editRecipe(ctx, id, func(r mine.Recipe) error {
		if _, ok := r[k]; !ok {
			return fmt.Errorf("%w: kind %s not in recipe", ErrInvalidArgument, k)
		}
		delete(r, k)
		return nil
	})
}

// SetRecipe replaces the whole recipe. An empty recipe stores the fallback.
func (s *Service) SetRecipe(ctx context.Context, id string, r mine.Recipe) error {
	if err := s.checkRecipe(r); err != nil {
		return err
	}
	return s.editRecipe(ctx, id, func(cur mine.Recipe) error {
		clear(cur)
		for k, w := range r {
			cur[k] = w
		}
		return nil
	})
}

// editRecipe applies fn to a copy of the recipe and writes it back.
func (s *Service) editRecipe(ctx context.Context, id string, fn func(mine.Recipe) error) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}
	s.editMu.Lock()
	defer s.editMu.Unlock()

	r := m.Recipe()
	if err := fn(r); err != nil {
		return err
	}
	m.SetRecipe(r)
	s.persist(ctx, m)
	return nil
}
