package entities

// AccountType distinguishes the two asset models an account can hold.
type AccountType string

const (
	AccountTypeEVM    AccountType = "evm"
	AccountTypeNonEVM AccountType = "non-evm"
)

// Account is one address (or non-EVM identifier) inside an account group.
// Owned by the external account directory; read-only here.
type Account struct {
	ID      string      `json:"id"`
	Address string      `json:"address"`
	Type    AccountType `json:"type"`
}

// AccountGroup is a named set of accounts inside a wallet. Groups are
// structural: a group with zero accounts is still a group and appears in
// every aggregate with a zero total.
type AccountGroup struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Accounts []Account `json:"accounts"`
}

// Wallet is the top of the directory hierarchy: wallet -> groups -> accounts.
type Wallet struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Groups []AccountGroup `json:"groups"`
}
