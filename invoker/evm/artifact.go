package evm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/smartcontractkit/deployment-sequencer/internal/jsonutils"
)

// ErrArtifactNotFound is returned when no artifact with the requested contract name exists.
var ErrArtifactNotFound = errors.New("artifact not found")

// LinkReference is the position of a library address placeholder in a bytecode.
type LinkReference struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// Artifact is a compiled contract in the hardhat artifact format.
type Artifact struct {
	ContractName string          `json:"contractName"`
	SourceName   string          `json:"sourceName"`
	RawABI       json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
	// LinkReferences maps source file to library name to placeholder positions.
	LinkReferences map[string]map[string][]LinkReference `json:"linkReferences"`
}

// ABI parses the artifact ABI.
func (a Artifact) ABI() (abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(a.RawABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("invalid abi for %s: %w", a.ContractName, err)
	}

	return parsed, nil
}

// Libraries returns the names of the libraries the bytecode must be linked against.
func (a Artifact) Libraries() []string {
	var names []string
	for _, libs := range a.LinkReferences {
		for name := range libs {
			names = append(names, name)
		}
	}

	return names
}

// Link returns the deployable bytecode with every library placeholder replaced by the address
// in libs, keyed by library name.
func (a Artifact) Link(libs map[string]common.Address) ([]byte, error) {
	// Placeholders such as __$1234...$__ are not valid hex, so patch the hex text first.
	code := strings.TrimPrefix(a.Bytecode, "0x")
	for _, refs := range a.LinkReferences {
		for name, positions := range refs {
			addr, ok := libs[name]
			if !ok {
				return nil, fmt.Errorf("%s: missing address for library %s", a.ContractName, name)
			}
			hexAddr := strings.ToLower(strings.TrimPrefix(addr.Hex(), "0x"))
			for _, p := range positions {
				start, end := p.Start*2, (p.Start+p.Length)*2
				if p.Length != common.AddressLength || end > len(code) {
					return nil, fmt.Errorf("%s: invalid link reference for %s at %d", a.ContractName, name, p.Start)
				}
				code = code[:start] + hexAddr + code[end:]
			}
		}
	}

	b, err := hexutil.Decode("0x" + code)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid bytecode: %w", a.ContractName, err)
	}

	return b, nil
}

// Deployment builds a DeployContract operation from the artifact.
func (a Artifact) Deployment(libs map[string]common.Address, args ...any) (DeployContract, error) {
	parsed, err := a.ABI()
	if err != nil {
		return DeployContract{}, err
	}
	code, err := a.Link(libs)
	if err != nil {
		return DeployContract{}, err
	}

	return DeployContract{Name: a.ContractName, ABI: parsed, Bytecode: code, Args: args}, nil
}

// FindArtifact searches fsys for the hardhat artifact of the named contract, for example
// "contracts/protocol/pool/Pool.sol/Pool.json". Debug files (*.dbg.json) are ignored.
func FindArtifact(fsys fs.ReadFileFS, contractName string) (Artifact, error) {
	want := contractName + ".json"

	var found string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && path.Base(p) == want {
			found = p
			return fs.SkipAll
		}

		return nil
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to search artifacts: %w", err)
	}
	if found == "" {
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, contractName)
	}

	a, err := jsonutils.LoadFromFS[Artifact](fsys, found)
	if err != nil {
		return Artifact{}, err
	}
	if a.ContractName == "" {
		a.ContractName = contractName
	}

	return a, nil
}
