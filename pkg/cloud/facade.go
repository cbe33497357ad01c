// Package cloud implements the minimal cloud API facade of spec.md §4.B:
// a SigV4 request signer plus typed, hand-rolled clients for the block
// store, object store, parameter store and secrets store. Each service
// client is constructed lazily on first use and cached for the process
// lifetime (spec.md §9 "Global state").
package cloud

import (
	"fmt"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// Facade lazily constructs and caches the four service clients. Each client
// gets its own signer; all of them share the Facade's credential provider.
type Facade struct {
	mu deadlock.Mutex

	creds  CredentialProvider
	region string
	log    *logrus.Entry

	blockStore     *BlockStore
	objectStore    *ObjectStore
	parameterStore *ParameterStore
	secretsStore   *SecretsStore
}

// New builds a Facade. No network calls are made until a client is first
// requested (and that client, in turn, defers the credential fetch until
// its first actual call).
func New(creds CredentialProvider, region string, log *logrus.Entry, debug bool) *Facade {
	deadlock.Opts.Disable = !debug
	return &Facade{creds: creds, region: region, log: log}
}

func (f *Facade) endpoint(service string) string {
	return fmt.Sprintf("https://%s.%s.amazonaws.com", service, f.region)
}

// BlockStore lazily constructs the EC2-backed volume client.
func (f *Facade) BlockStore() *BlockStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockStore == nil {
		f.blockStore = newBlockStore(newSigner(f.creds, f.region, f.log), f.endpoint("ec2"), f.log)
	}
	return f.blockStore
}

// ObjectStore lazily constructs the S3 client.
func (f *Facade) ObjectStore() *ObjectStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objectStore == nil {
		f.objectStore = newObjectStore(newSigner(f.creds, f.region, f.log), f.region)
	}
	return f.objectStore
}

// ParameterStore lazily constructs the SSM parameter-store client.
func (f *Facade) ParameterStore() *ParameterStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.parameterStore == nil {
		f.parameterStore = newParameterStore(newSigner(f.creds, f.region, f.log), f.endpoint("ssm"))
	}
	return f.parameterStore
}

// SecretsStore lazily constructs the Secrets Manager client.
func (f *Facade) SecretsStore() *SecretsStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.secretsStore == nil {
		f.secretsStore = newSecretsStore(newSigner(f.creds, f.region, f.log), f.endpoint("secretsmanager"))
	}
	return f.secretsStore
}
