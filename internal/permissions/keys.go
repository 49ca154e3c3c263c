package permissions

// ID is a stable permission key.
type ID string

// String returns the key.
func (id ID) String() string { return string(id) }

// Properties.
const (
	ViewProperties   ID = "view_properties"
	CreateProperties ID = "create_properties"
	EditProperties   ID = "edit_properties"
	DeleteProperties ID = "delete_properties"
)

// Bookings.
const (
	ViewBookings   ID = "view_bookings"
	CreateBookings ID = "create_bookings"
	EditBookings   ID = "edit_bookings"
	DeleteBookings ID = "delete_bookings"
)

// Inventory.
const (
	ViewInventory ID = "view_inventory"
	EditInventory ID = "edit_inventory"
)

// Issues.
const (
	ViewIssues   ID = "view_issues"
	CreateIssues ID = "create_issues"
	EditIssues   ID = "edit_issues"
	DeleteIssues ID = "delete_issues"
)

// Suppliers.
const (
	ViewSuppliers ID = "view_suppliers"
	EditSuppliers ID = "edit_suppliers"
)

// Administration.
const (
	ViewUsers   ID = "view_users"
	InviteUsers ID = "invite_users"
	EditUsers   ID = "edit_users"
	ViewRoles   ID = "view_roles"
	EditRoles   ID = "edit_roles"
)

// Known lists every key compiled into the binary. The embedded catalog must
// describe exactly this set.
func Known() []ID {
	return []ID{
		ViewProperties, CreateProperties, EditProperties, DeleteProperties,
		ViewBookings, CreateBookings, EditBookings, DeleteBookings,
		ViewInventory, EditInventory,
		ViewIssues, CreateIssues, EditIssues, DeleteIssues,
		ViewSuppliers, EditSuppliers,
		ViewUsers, InviteUsers, EditUsers,
		ViewRoles, EditRoles,
	}
}
