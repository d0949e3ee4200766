package entitle

import (
	"github.com/xraph/entitle/actor"
	"github.com/xraph/entitle/subject"
	"github.com/xraph/entitle/types"
)

// Re-exports so callers can drive the engine without importing the leaf
// packages.

type (
	Entity        = types.Entity
	Actor         = actor.Actor
	Role          = actor.Role
	PaymentStatus = subject.PaymentStatus
)

const (
	RoleAdmin  = actor.RoleAdmin
	RoleViewer = actor.RoleViewer
	RoleSystem = actor.RoleSystem

	StatusUnused      = subject.StatusUnused
	StatusBankPending = subject.StatusBankPending
	StatusBankPaid    = subject.StatusBankPaid
	StatusCardPaid    = subject.StatusCardPaid
	StatusWirePaid    = subject.StatusWirePaid
)

// SystemActor is the identity used for automated changes.
var SystemActor = actor.System
