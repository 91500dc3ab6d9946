package logtable

import "rowflow/internal/row"

// Role selects where a field's value comes from when a record is projected.
type Role int

const (
	RoleNone Role = iota
	RoleBatchID
	RoleChannelID
	RoleName
	RoleParentName
	RoleCopy
	RoleStatus
	RoleLinesRead
	RoleLinesWritten
	RoleLinesUpdated
	RoleLinesInput
	RoleLinesOutput
	RoleLinesRejected
	RoleErrors
	RoleStartDate
	RoleEndDate
	RoleLogDate
	RoleDepDate
	RoleReplayDate
	RoleLogField
	RoleExecutingServer
	RoleExecutingUser
	RoleStartAction
	RoleClient
)

// Tag marks a field's special meaning in the table.
type Tag uint8

const (
	TagKey Tag = 1 << iota
	TagVisible
	TagStatus
	TagErrors
	TagLogDate
	TagName
	TagLogField
)

type Field struct {
	ID      string
	Name    string
	Enabled bool
	Role    Role
	Tags    Tag
	Type    row.Type
	Length  int
}

func (f Field) Has(t Tag) bool { return f.Tags&t != 0 }

func newField(id string, role Role, typ row.Type, length int, tags Tag) Field {
	return Field{
		ID:      id,
		Name:    id,
		Enabled: true,
		Role:    role,
		Tags:    tags | TagVisible,
		Type:    typ,
		Length:  length,
	}
}

func (f Field) disabled() Field { f.Enabled = false; return f }

func (f Field) hidden() Field { f.Tags &^= TagVisible; return f }
