// Package keyvault manages the key material side of disk encryption: the
// BEK volume holding passphrase files, escrow of the root secret to an
// external secret store, derivation of the LUKS passphrase from that
// secret, key rotation across registered volumes, and the cleartext key
// staged before decryption.
//
// The root secret never touches the disk being encrypted. It is escrowed
// first; only once the escrow is durable does the derived passphrase get
// used for anything destructive. Secret stores are created from location
// URIs (file://, vault://, s3://) through SecretStoreFactory.
package keyvault
