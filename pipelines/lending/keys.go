package lending

import "github.com/smartcontractkit/deployment-sequencer/ledger"

// Contract names as they appear in the hardhat artifacts.
const (
	ContractTestUSDT                      = "Test_USDT"
	ContractTestWXDC                      = "Test_WXDC"
	ContractPoolAddressesProviderRegistry = "PoolAddressesProviderRegistry"
	ContractPoolAddressesProvider         = "PoolAddressesProvider"
	ContractACLManager                    = "ACLManager"
	ContractPool                          = "Pool"
)

// Library contract names. FlashLoanLogic links against BorrowLogic; Pool links against all of
// them except ConfiguratorLogic.
const (
	LibPoolLogic         = "PoolLogic"
	LibSupplyLogic       = "SupplyLogic"
	LibBorrowLogic       = "BorrowLogic"
	LibLiquidationLogic  = "LiquidationLogic"
	LibEModeLogic        = "EModeLogic"
	LibBridgeLogic       = "BridgeLogic"
	LibFlashLoanLogic    = "FlashLoanLogic"
	LibConfiguratorLogic = "ConfiguratorLogic"
)

// Ledger keys written by the pipeline.
const (
	KeyTestUSDT                      ledger.ResourceKey = "tokens.USDT"
	KeyTestWXDC                      ledger.ResourceKey = "tokens.WXDC"
	KeyInitialSupply                 ledger.ResourceKey = "tokens.InitialSupply"
	KeyPoolAddressesProviderRegistry ledger.ResourceKey = "core.PoolAddressesProviderRegistry"
	KeyPoolAddressesProvider         ledger.ResourceKey = "core.PoolAddressesProvider"
	KeyACLManager                    ledger.ResourceKey = "core.ACLManager"
	KeyPriceOracle                   ledger.ResourceKey = "core.PriceOracle"
	KeyPoolImpl                      ledger.ResourceKey = "core.PoolImpl"
)

// MetadataPoolProxy is the metadata field of the KeyPoolImpl entry holding the pool proxy
// address created by the addresses provider.
const MetadataPoolProxy = "proxy"

// LibraryKey returns the ledger key of a protocol library.
func LibraryKey(name string) ledger.ResourceKey {
	return ledger.ResourceKey("libraries." + name)
}

// plainLibraries are deployed without linking, in this order.
var plainLibraries = []string{
	LibPoolLogic,
	LibSupplyLogic,
	LibBorrowLogic,
	LibLiquidationLogic,
	LibEModeLogic,
	LibBridgeLogic,
}

// poolLibraries are linked into the Pool implementation.
var poolLibraries = []string{
	LibPoolLogic,
	LibSupplyLogic,
	LibBorrowLogic,
	LibLiquidationLogic,
	LibEModeLogic,
	LibBridgeLogic,
	LibFlashLoanLogic,
}
