package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/checkout-api/internal/domain"
	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/repositories"
)

// AddressRepository reads the address book stored under users/{uid}/addresses.
type AddressRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// GetAddress loads an address owned by userID. Addresses of other users are unreachable by construction.
func (r *AddressRepository) GetAddress(ctx context.Context, userID, addressID string) (domain.Address, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Address{}, pfirestore.NotFound("addresses.get", "user id is required")
	}
	path := userCollection + "/" + userID + "/" + addressSubcollection
	addresses := pfirestore.NewCollection[domain.Address](r.provider, path, func(snap *firestore.DocumentSnapshot) (domain.Address, error) {
		var doc addressDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Address{}, err
		}
		return doc.toDomain(snap.Ref.ID, userID), nil
	})
	return addresses.Get(ctx, strings.TrimSpace(addressID))
}

type addressDocument struct {
	FullName   string `firestore:"fullName"`
	Phone      string `firestore:"phone"`
	Line       string `firestore:"address"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
}

func (d addressDocument) toDomain(id, userID string) domain.Address {
	return domain.Address{
		ID:         id,
		UserID:     userID,
		FullName:   strings.TrimSpace(d.FullName),
		Phone:      strings.TrimSpace(d.Phone),
		Line:       strings.TrimSpace(d.Line),
		City:       strings.TrimSpace(d.City),
		State:      strings.TrimSpace(d.State),
		PostalCode: strings.TrimSpace(d.PostalCode),
	}
}
