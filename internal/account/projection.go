package account

import (
	"github.com/roach88/bagua/internal/entity"
)

var (
	_ entity.Projection[Account] = (*Full)(nil)
	_ entity.Projection[Account] = (*Profile)(nil)
	_ entity.Projection[Account] = (*Minimal)(nil)
	_ entity.RelationDestination = (*Full)(nil)
	_ entity.Destination         = (*Profile)(nil)
)

// Full carries every field and the group membership.
type Full struct {
	ID          entity.ID   `json:"id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name"`
	Status      Status      `json:"status"`
	Groups      []entity.ID `json:"groups"`
}

func (*Full) ProjectionName() string { return entity.FullProjection }

func (p *Full) FieldDest(field string) any {
	switch field {
	case "id":
		return &p.ID
	case FieldEmail:
		return &p.Email
	case FieldDisplayName:
		return &p.DisplayName
	case FieldStatus:
		return &p.Status
	}
	return nil
}

func (p *Full) ScanRelationItem(relation string, scan func(any) error) error {
	var id entity.ID
	if err := scan(&id); err != nil {
		return err
	}
	p.Groups = append(p.Groups, id)
	return nil
}

func (p *Full) ToEntity() Account {
	return Account{
		ID:          p.ID,
		Email:       entity.Unchanged(p.Email),
		DisplayName: entity.Unchanged(p.DisplayName),
		Status:      entity.Unchanged(p.Status),
		Groups:      entity.UnchangedRelation(entity.NewCollection[entity.ID, entity.ID](p.Groups...)),
	}
}

// Profile carries the scalar fields without group membership.
type Profile struct {
	ID          entity.ID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Status      Status    `json:"status"`
}

func (*Profile) ProjectionName() string { return ProfileProjection }

func (p *Profile) FieldDest(field string) any {
	switch field {
	case "id":
		return &p.ID
	case FieldEmail:
		return &p.Email
	case FieldDisplayName:
		return &p.DisplayName
	case FieldStatus:
		return &p.Status
	}
	return nil
}

func (p *Profile) ToEntity() Account {
	return Account{
		ID:          p.ID,
		Email:       entity.Unchanged(p.Email),
		DisplayName: entity.Unchanged(p.DisplayName),
		Status:      entity.Unchanged(p.Status),
	}
}

// profileOf reads back the profile of an account whose scalar fields are
// all loaded.
func profileOf(a *Account) Profile {
	return Profile{
		ID:          a.ID,
		Email:       a.Email.Value(),
		DisplayName: a.DisplayName.Value(),
		Status:      a.Status.Value(),
	}
}

// Minimal carries only the identity. Its entity is a shell for blind
// writes such as group membership changes.
type Minimal struct {
	ID entity.ID
}

func (*Minimal) ProjectionName() string { return entity.MinimalProjection }

func (p *Minimal) FieldDest(field string) any {
	if field == "id" {
		return &p.ID
	}
	return nil
}

func (p *Minimal) ToEntity() Account {
	return Account{ID: p.ID}
}
