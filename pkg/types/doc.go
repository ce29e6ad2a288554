/*
Package types defines the data model shared by every integrity package.

# Composite State

Every resource (a node or process in a redundant cluster) carries a
CompositeState made of four axes:

	Admin         unlocked | locked
	Operational   enabled | disabled
	Availability  set of {failed, dependency}, empty renders as "null"
	Standby       null | hotstandby | coldstandby | providingservice

Operational is derived from Availability: a resource is enabled exactly when
its availability set is empty. A state where the two disagree is
non-canonical; it can only come from an externally edited record and is
handled by the transition table's override entries.

A resource is Active when it is unlocked and enabled. Only an active
resource may be promoted to providingservice.

The wire form of a state is the comma separated string used in logs and
tests:

	unlocked,enabled,null,null
	unlocked,disabled,dependency,failed,coldstandby

ParseCompositeState accepts that form and String produces it. Availability
members are always rendered sorted, so equal states render identically.

# Records

StateRecord and ForwardProgress are the two records kept per resource in
the shared store. ForwardProgress holds a monotonically increasing counter,
the time it last moved and the staleness window the owner declared for
itself; peers use IsStale to decide whether the owner is still alive.

Resource is the registration record written when a monitor starts. It
carries the probe URL peers use for active dependency checks.

# Errors

Callers classify failures with errors.Is:

	ErrInvalidArgument   malformed input, rejected before any state changes
	ErrNotFound          no record for the resource
	ErrStore             the shared store failed (StoreError)
	ErrStandbyStatus     a promotion was rejected; the resource is now coldstandby
	ErrIntegrity         a gating call refused (IntegrityError lists the reasons)
*/
package types
