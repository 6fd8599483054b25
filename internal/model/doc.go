// Package model defines the records shared by every governance
// component and the closed enumerations that drive their decisions.
//
// Sensitivity tier, record state, lock type and token verdict are
// integer enums with text marshalling. Decision points switch over them
// exhaustively; nothing compares free-form status strings.
package model
