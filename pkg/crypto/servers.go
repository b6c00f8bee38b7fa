package crypto

import (
	"fmt"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// DecryptTarget turns a stored server into a target holding plaintext
// credentials for the lifetime of one operation.
func (v *Vault) DecryptTarget(stored domain.StoredServer) (domain.ServerTarget, error) {
	password, err := v.DecryptOptional(stored.EncryptedPassword)
	if err != nil {
		return domain.ServerTarget{}, fmt.Errorf("decrypt password for server %s: %w", stored.ID, err)
	}
	key, err := v.DecryptOptional(stored.EncryptedPrivateKey)
	if err != nil {
		return domain.ServerTarget{}, fmt.Errorf("decrypt private key for server %s: %w", stored.ID, err)
	}
	return domain.ServerTarget{
		Host:       stored.Host,
		Port:       stored.Port,
		Username:   stored.Username,
		Password:   password,
		PrivateKey: key,
	}, nil
}
