package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapCategorizedError_NewErrorUsesProvidedCategory(t *testing.T) {
	wrapped := WrapCategorizedError(ErrorCategoryStorage, errors.New("disk full"))
	var classified *CategorizedError
	require.ErrorAs(t, wrapped, &classified)
	require.Equal(t, ErrorCategoryStorage, classified.Category)
}

func TestWrapCategorizedError_KeepsExistingCategory(t *testing.T) {
	inner := WrapCategorizedError(ErrorCategoryNetwork, errors.New("reset"))
	outer := WrapCategorizedError(ErrorCategoryStorage, inner)
	require.Equal(t, ErrorCategoryNetwork, ErrorCategory(outer))
}

func TestWrapCategorizedError_NilStaysNil(t *testing.T) {
	require.NoError(t, WrapCategorizedError(ErrorCategoryAPI, nil))
}

func TestErrorCategory_InfersFromSentinels(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("send: %w", ErrUnauthorized), ErrorCategoryAuth},
		{ErrUnauthenticated, ErrorCategoryAuth},
		{fmt.Errorf("register: %w", ErrInvalidKey), ErrorCategoryCrypto},
		{ErrAuthenticationFailed, ErrorCategoryCrypto},
		{ErrEnvelopeNotFound, ErrorCategoryAPI},
		{errors.New("plain"), ErrorCategoryAPI},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ErrorCategory(tc.err), "error %v", tc.err)
	}
}

func TestIsClientError(t *testing.T) {
	require.True(t, IsClientError(fmt.Errorf("x: %w", ErrNonceReused)))
	require.True(t, IsClientError(WrapCategorizedError(ErrorCategoryAuth, ErrUnauthorized)))
	require.False(t, IsClientError(errors.New("io timeout")))
}
