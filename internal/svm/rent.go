package svm

const (
	accountStorageOverhead     = 128
	lamportsPerByteYear        = 3480
	rentExemptionThresholdYear = 2
)

// RentExemptMinimum is the balance an account of size bytes needs to be rent exempt.
func RentExemptMinimum(size int) uint64 {
	return uint64(accountStorageOverhead+size) * lamportsPerByteYear * rentExemptionThresholdYear
}
