package codelist

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// =========== Mock Repository ===========

type mockRepo struct {
	lists []*Codelist
	err   error
}

func newMockRepo(n int) *mockRepo {
	m := &mockRepo{}
	m.lists = append(m.lists, smokingCodes())
	for i := 1; i < n; i++ {
		m.lists = append(m.lists, New(fmt.Sprintf("list_%03d", i), SystemSNOMED, "", []Code{{Code: fmt.Sprint(i)}}))
	}
	return m
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*Codelist, int, error) {
	if m.err != nil {
		return nil, 0, m.err
	}
	total := len(m.lists)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return m.lists[offset:end], total, nil
}

func (m *mockRepo) GetByName(_ context.Context, name string) (*Codelist, error) {
	for _, cl := range m.lists {
		if cl.Name() == name {
			return cl, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// =========== Service Tests ===========

func TestService_Get(t *testing.T) {
	svc := NewService(newMockRepo(1))
	cl, err := svc.Get(context.Background(), "clear_smoking_codes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cl.Len() != 4 {
		t.Errorf("expected 4 codes, got %d", cl.Len())
	}
}

func TestService_Get_EmptyName(t *testing.T) {
	svc := NewService(newMockRepo(1))
	if _, err := svc.Get(context.Background(), ""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestService_List_DefaultsLimit(t *testing.T) {
	svc := NewService(newMockRepo(30))
	lists, total, err := svc.List(context.Background(), 0, -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 30 {
		t.Errorf("expected total 30, got %d", total)
	}
	if len(lists) != 20 {
		t.Errorf("expected default page size 20, got %d", len(lists))
	}
}

func TestService_Filter(t *testing.T) {
	svc := NewService(newMockRepo(1))
	cl, err := svc.Filter(context.Background(), "clear_smoking_codes", []string{"S", "E"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cl.Len() != 3 {
		t.Errorf("expected 3 codes, got %d", cl.Len())
	}
}

func TestService_Filter_UnknownCategory(t *testing.T) {
	svc := NewService(newMockRepo(1))
	if _, err := svc.Filter(context.Background(), "clear_smoking_codes", []string{"X"}); err == nil {
		t.Error("expected error for unknown category")
	}
}

func TestService_Filter_NotFound(t *testing.T) {
	svc := NewService(newMockRepo(1))
	_, err := svc.Filter(context.Background(), "missing", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Registry_Pages(t *testing.T) {
	svc := NewService(newMockRepo(250))
	reg, err := svc.Registry(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reg.Len() != 250 {
		t.Errorf("expected 250 codelists in registry, got %d", reg.Len())
	}
	if _, ok := reg.Codelist("list_249"); !ok {
		t.Error("expected last page to be loaded")
	}
}

func TestService_Registry_Error(t *testing.T) {
	svc := NewService(&mockRepo{err: errors.New("boom")})
	if _, err := svc.Registry(context.Background()); err == nil {
		t.Error("expected repository error to propagate")
	}
}
